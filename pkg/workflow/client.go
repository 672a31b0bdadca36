package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Client sends bus events and creates the jobs they trigger. Event ids
// are the idempotency keys: the bus_events ledger dedupes via its primary
// key, and jobs are only created for newly accepted events, in the same
// transaction.
type Client struct {
	db        *sqlx.DB
	registry  *Registry
	chunkSize int
	logger    *slog.Logger
}

// NewClient creates a Client. chunkSize bounds how many events one insert
// transaction carries; zero uses the default of 200.
func NewClient(db *sqlx.DB, registry *Registry, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	return &Client{
		db:        db,
		registry:  registry,
		chunkSize: chunkSize,
		logger:    slog.Default().With("component", "workflow-client"),
	}
}

// Send publishes events in chunks and returns how many were newly
// accepted (duplicates dedupe silently). Events without an id get a
// random one, which disables dedup for them.
func (c *Client) Send(ctx context.Context, events ...Event) (int, error) {
	accepted := 0
	for start := 0; start < len(events); start += c.chunkSize {
		end := min(start+c.chunkSize, len(events))
		n, err := c.sendChunk(ctx, events[start:end])
		accepted += n
		if err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}

func (c *Client) sendChunk(ctx context.Context, events []Event) (int, error) {
	accepted := 0
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, event := range events {
		if event.ID == "" {
			event.ID = uuid.New().String()
		}
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return accepted, fmt.Errorf("failed to marshal event %s payload: %w", event.ID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO bus_events (id, name, payload)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`, event.ID, event.Name, payload)
		if err != nil {
			return accepted, fmt.Errorf("failed to insert event %s: %w", event.ID, err)
		}
		inserted, _ := res.RowsAffected()
		if inserted == 0 {
			c.logger.Debug("Event deduplicated", "event_id", event.ID, "event_name", event.Name)
			continue
		}
		accepted++

		for _, fn := range c.registry.ForEvent(event.Name) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_jobs
					(id, function, event_name, event_id, payload, status, max_attempts)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (event_id, function) WHERE event_id IS NOT NULL DO NOTHING`,
				uuid.New().String(), fn.Name, event.Name, event.ID, payload,
				JobStatusPending, fn.maxAttempts())
			if err != nil {
				return accepted, fmt.Errorf("failed to create job for event %s (%s): %w", event.ID, fn.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return accepted, fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return accepted, nil
}

// CreateChildJob inserts a child job under a deterministic id. A second
// creation with the same id is a no-op, which is what makes child
// dispatch idempotent across replays and retries.
func (c *Client) CreateChildJob(ctx context.Context, id, function, parentID string, payload any) error {
	fn, ok := c.registry.Get(function)
	if !ok {
		return fmt.Errorf("unknown workflow function %q", function)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for job %s: %w", id, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO workflow_jobs (id, function, payload, status, max_attempts, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		id, function, data, JobStatusPending, fn.maxAttempts(), parentID)
	if err != nil {
		return fmt.Errorf("failed to create child job %s: %w", id, err)
	}
	return nil
}

const jobColumns = `id, function, event_name, event_id, payload, status, attempt,
	max_attempts, wake_at, result, error, parent_id, pod_id, last_heartbeat_at,
	deadline_at, created_at, started_at, finished_at`

// GetJob returns one job by id, or sql.ErrNoRows wrapped.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	query := fmt.Sprintf(`SELECT %s FROM workflow_jobs WHERE id = $1`, jobColumns)
	if err := c.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

// JobStates returns (status, result, error) per id for the given jobs.
// Missing ids are absent from the map.
func (c *Client) JobStates(ctx context.Context, ids []string) (map[string]JobState, error) {
	out := make(map[string]JobState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, status, result, error FROM workflow_jobs WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build job state query: %w", err)
	}
	var states []JobState
	if err := c.db.SelectContext(ctx, &states, c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query job states: %w", err)
	}
	for _, st := range states {
		out[st.ID] = st
	}
	return out, nil
}

// StepResult returns the memoized result of one completed step of a job.
// Failure hooks use it to recover state the handler checkpointed before
// dying.
func (c *Client) StepResult(ctx context.Context, jobID, stepID string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	err := c.db.GetContext(ctx, &raw,
		`SELECT COALESCE(result, 'null'::jsonb) FROM workflow_steps WHERE job_id = $1 AND step_id = $2`,
		jobID, stepID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load step %q of job %s: %w", stepID, jobID, err)
	}
	return raw, true, nil
}

// DeleteFinishedJobs removes terminal jobs that finished before the
// cutoff. Steps cascade with the job row.
func (c *Client) DeleteFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM workflow_jobs
		WHERE status IN ($1, $2, $3) AND finished_at IS NOT NULL AND finished_at < $4`,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteOldBusEvents prunes the event ledger past the cutoff. Dedup only
// needs ids young enough to collide with a replay, so old rows are safe
// to drop.
func (c *Client) DeleteOldBusEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM bus_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old bus events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// JobState is the terse projection polled while waiting on children.
type JobState struct {
	ID     string          `db:"id"`
	Status JobStatus       `db:"status"`
	Result json.RawMessage `db:"result"`
	Error  *string         `db:"error"`
}
