package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/test/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(util.SetupTestDatabase(t))
}

func createTestSchedule(t *testing.T, st *Store, name string, active bool) *models.Schedule {
	t.Helper()
	created, err := st.Schedules.Create(context.Background(), &models.Schedule{
		Name:         name,
		IsActive:     active,
		ScheduleType: models.ScheduleTypeManual,
		Timezone:     "Europe/Paris",
	})
	require.NoError(t, err)
	return created
}

func createTestRun(t *testing.T, st *Store, scheduleID int64) *models.Run {
	t.Helper()
	run, err := st.Runs.Create(context.Background(), scheduleID, json.RawMessage(`{"scheduleId":"1"}`))
	require.NoError(t, err)
	return run
}

func TestScheduleStore_CreateAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created := createTestSchedule(t, st, "Nightly QA", true)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "Nightly QA", created.Name)
	assert.True(t, created.IsActive)
	assert.Equal(t, models.ScheduleTypeManual, created.ScheduleType)
	assert.Nil(t, created.LastRunAt)

	got, err := st.Schedules.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Europe/Paris", got.Timezone)

	_, err = st.Schedules.Get(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleStore_ListActive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	active := createTestSchedule(t, st, "active", true)
	createTestSchedule(t, st, "paused", false)

	schedules, err := st.Schedules.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, active.ID, schedules[0].ID)

	all, err := st.Schedules.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestScheduleStore_MarkTriggered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	schedule := createTestSchedule(t, st, "s", true)
	dueAt := time.Now().Truncate(time.Minute)

	require.NoError(t, st.Schedules.MarkTriggered(ctx, schedule.ID, dueAt))

	got, err := st.Schedules.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, dueAt, *got.LastRunAt, time.Second)
	require.NotNil(t, got.LastRunStatus)
	assert.Equal(t, models.LastRunStatusRunning, *got.LastRunStatus)

	assert.ErrorIs(t, st.Schedules.MarkTriggered(ctx, 999999, dueAt), ErrNotFound)
}

func TestRunStore_CreateAndFinalize(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	schedule := createTestSchedule(t, st, "s", true)
	run := createTestRun(t, st, schedule.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	finalized, err := st.Runs.Finalize(ctx, run.ID, schedule.ID, FinalizeParams{
		Status:            models.RunStatusPartial,
		TotalFiches:       3,
		SuccessfulFiches:  2,
		FailedFiches:      1,
		TranscriptionsRun: 2,
		AuditsRun:         2,
		Summary: models.ResultSummary{
			Successful: []string{"41", "42"},
			Failed:     []models.FicheFailure{{FicheID: "43", Error: "timeout"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, finalized.Status)
	assert.NotNil(t, finalized.CompletedAt)
	assert.Equal(t, 3, finalized.TotalFiches)
	assert.Equal(t, []string{"41", "42"}, finalized.ResultSummary.Successful)

	// The terminal status is mirrored onto the schedule.
	got, err := st.Schedules.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunStatus)
	assert.Equal(t, models.LastRunStatusPartial, *got.LastRunStatus)

	// A replayed finalize is a no-op.
	_, err = st.Runs.Finalize(ctx, run.ID, schedule.ID, FinalizeParams{Status: models.RunStatusCompleted})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStore_ListFiltersBySchedule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	s1 := createTestSchedule(t, st, "a", true)
	s2 := createTestSchedule(t, st, "b", true)
	createTestRun(t, st, s1.ID)
	createTestRun(t, st, s1.ID)
	createTestRun(t, st, s2.ID)

	all, err := st.Runs.List(ctx, nil, 50)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Newest first.
	assert.Greater(t, all[0].ID, all[1].ID)

	filtered, err := st.Runs.List(ctx, &s1.ID, 50)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
}

func TestRunStore_MarkStaleForSchedule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	schedule := createTestSchedule(t, st, "s", true)
	run := createTestRun(t, st, schedule.ID)

	// Nothing started before a past cutoff.
	marked, err := st.Runs.MarkStaleForSchedule(ctx, schedule.ID, time.Now().Add(-time.Hour), "stalled")
	require.NoError(t, err)
	assert.Zero(t, marked)

	marked, err = st.Runs.MarkStaleForSchedule(ctx, schedule.ID, time.Now().Add(time.Minute), "stalled")
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	got, err := st.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "stalled", *got.ErrorMessage)

	sched, err := st.Schedules.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, sched.LastRunStatus)
	assert.Equal(t, models.LastRunStatusFailed, *sched.LastRunStatus)
}

func TestRunLogStore_AppendAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	schedule := createTestSchedule(t, st, "s", true)
	run := createTestRun(t, st, schedule.ID)

	require.NoError(t, st.RunLogs.Append(ctx, run.ID, models.LogLevelInfo, "selection complete",
		models.Metadata{"fiches": float64(12)}))
	require.NoError(t, st.RunLogs.Append(ctx, run.ID, models.LogLevelError, "fiche 42 failed", nil))

	logs, err := st.RunLogs.ListForRun(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "selection complete", logs[0].Message)
	assert.Equal(t, models.LogLevelInfo, logs[0].Level)
	assert.Equal(t, float64(12), logs[0].Metadata["fiches"])
	assert.Equal(t, models.LogLevelError, logs[1].Level)

	limited, err := st.RunLogs.ListForRun(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
