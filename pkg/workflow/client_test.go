package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/test/util"
)

func newTestClient(t *testing.T) (*Client, *Registry) {
	t.Helper()
	registry := NewRegistry()
	return NewClient(util.SetupTestDatabase(t), registry, 0), registry
}

func countJobs(t *testing.T, c *Client, eventID, function string) int {
	t.Helper()
	var n int
	err := c.db.GetContext(context.Background(), &n, `
		SELECT COUNT(*) FROM workflow_jobs WHERE event_id = $1 AND function = $2`,
		eventID, function)
	require.NoError(t, err)
	return n
}

func TestClient_SendDeduplicates(t *testing.T) {
	client, registry := newTestClient(t)
	ctx := context.Background()
	registry.MustRegister(&Function{Name: "fn-a", Event: "thing/created", Handler: noopHandler})

	accepted, err := client.Send(ctx, Event{ID: "evt-1", Name: "thing/created", Data: map[string]any{"id": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, countJobs(t, client, "evt-1", "fn-a"))

	// Same id again: silently deduplicated, no second job.
	accepted, err = client.Send(ctx, Event{ID: "evt-1", Name: "thing/created", Data: map[string]any{"id": 1}})
	require.NoError(t, err)
	assert.Zero(t, accepted)
	assert.Equal(t, 1, countJobs(t, client, "evt-1", "fn-a"))
}

func TestClient_SendFansOutPerFunction(t *testing.T) {
	client, registry := newTestClient(t)
	ctx := context.Background()
	registry.MustRegister(&Function{Name: "fn-a", Event: "thing/created", Handler: noopHandler})
	registry.MustRegister(&Function{Name: "fn-b", Event: "thing/created", Handler: noopHandler})
	registry.MustRegister(&Function{Name: "fn-other", Event: "thing/deleted", Handler: noopHandler})

	accepted, err := client.Send(ctx, Event{ID: "evt-2", Name: "thing/created", Data: nil})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, countJobs(t, client, "evt-2", "fn-a"))
	assert.Equal(t, 1, countJobs(t, client, "evt-2", "fn-b"))
	assert.Zero(t, countJobs(t, client, "evt-2", "fn-other"))
}

func TestClient_SendChunks(t *testing.T) {
	registry := NewRegistry()
	client := NewClient(util.SetupTestDatabase(t), registry, 2)
	registry.MustRegister(&Function{Name: "fn-a", Event: "thing/created", Handler: noopHandler})

	events := make([]Event, 5)
	for i := range events {
		events[i] = Event{ID: uuid.New().String(), Name: "thing/created"}
	}
	accepted, err := client.Send(context.Background(), events...)
	require.NoError(t, err)
	assert.Equal(t, 5, accepted)
}

func TestClient_CreateChildJob(t *testing.T) {
	client, registry := newTestClient(t)
	ctx := context.Background()
	registry.MustRegister(&Function{Name: "child-fn", Retries: 1, Handler: noopHandler})

	parentID := uuid.New().String()
	require.NoError(t, client.CreateChildJob(ctx, "job-day-1", "child-fn", parentID, map[string]any{"day": "03-01-2026"}))
	// Replays re-dispatch under the same deterministic id: no-op.
	require.NoError(t, client.CreateChildJob(ctx, "job-day-1", "child-fn", parentID, map[string]any{"day": "03-01-2026"}))

	job, err := client.GetJob(ctx, "job-day-1")
	require.NoError(t, err)
	assert.Equal(t, "child-fn", job.Function)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 2, job.MaxAttempts)
	require.NotNil(t, job.ParentID)
	assert.Equal(t, parentID, *job.ParentID)

	err = client.CreateChildJob(ctx, "job-x", "no-such-fn", parentID, nil)
	assert.ErrorContains(t, err, "unknown workflow function")
}

func TestClient_JobStates(t *testing.T) {
	client, registry := newTestClient(t)
	ctx := context.Background()
	registry.MustRegister(&Function{Name: "child-fn", Handler: noopHandler})

	require.NoError(t, client.CreateChildJob(ctx, "job-1", "child-fn", "", nil))
	require.NoError(t, client.CreateChildJob(ctx, "job-2", "child-fn", "", nil))

	states, err := client.JobStates(ctx, []string{"job-1", "job-2", "job-missing"})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, JobStatusPending, states["job-1"].Status)
	_, seen := states["job-missing"]
	assert.False(t, seen)

	empty, err := client.JobStates(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClient_Retention(t *testing.T) {
	client, registry := newTestClient(t)
	ctx := context.Background()
	registry.MustRegister(&Function{Name: "fn-a", Event: "thing/created", Handler: noopHandler})

	_, err := client.Send(ctx, Event{ID: "evt-old", Name: "thing/created"})
	require.NoError(t, err)

	// Age the event and finish its job in the past.
	_, err = client.db.ExecContext(ctx,
		`UPDATE bus_events SET created_at = now() - interval '48 hours' WHERE id = 'evt-old'`)
	require.NoError(t, err)
	_, err = client.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = $1, finished_at = now() - interval '48 hours'
		WHERE event_id = 'evt-old'`, JobStatusCompleted)
	require.NoError(t, err)

	deleted, err := client.DeleteFinishedJobs(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	pruned, err := client.DeleteOldBusEvents(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// Young rows survive.
	_, err = client.Send(ctx, Event{ID: "evt-new", Name: "thing/created"})
	require.NoError(t, err)
	deleted, err = client.DeleteFinishedJobs(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
