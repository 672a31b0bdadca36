package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Context is the step API handed to workflow handlers. Each named step
// executes at most once per job; replays return the memoized result from
// workflow_steps. Code between steps must be pure: it runs again on every
// resume.
type Context struct {
	context.Context

	job    *Job
	db     stepDB
	client *Client
	logger *slog.Logger

	invokePollInterval time.Duration
}

// stepDB is the subset of sqlx used by the step store.
type stepDB interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// newContext builds the step context for one handler execution.
func newContext(ctx context.Context, job *Job, db stepDB, client *Client, invokePoll time.Duration) *Context {
	if invokePoll <= 0 {
		invokePoll = 3 * time.Second
	}
	return &Context{
		Context:            ctx,
		job:                job,
		db:                 db,
		client:             client,
		logger:             slog.Default().With("component", "workflow", "job_id", job.ID, "function", job.Function),
		invokePollInterval: invokePoll,
	}
}

// JobID returns the durable id of the executing job.
func (c *Context) JobID() string { return c.job.ID }

// Attempt returns the 1-based attempt number.
func (c *Context) Attempt() int { return c.job.Attempt }

// Logger returns the job-scoped logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Payload unmarshals the triggering event or invoke payload.
func (c *Context) Payload(out any) error {
	if len(c.job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.job.Payload, out); err != nil {
		return NonRetriable(fmt.Errorf("failed to unmarshal job payload: %w", err))
	}
	return nil
}

// Run executes fn once under the given step id, memoizing its
// JSON-serialized result. out may be nil when the result is not needed.
func (c *Context) Run(stepID string, fn func(ctx context.Context) (any, error), out any) error {
	raw, done, err := c.loadStep(stepID)
	if err != nil {
		return err
	}
	if done {
		return decodeStep(stepID, raw, out)
	}

	val, err := fn(c.Context)
	if err != nil {
		return fmt.Errorf("step %q: %w", stepID, err)
	}
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("step %q: failed to marshal result: %w", stepID, err)
	}
	if err := c.saveStep(stepID, StepKindRun, data); err != nil {
		return err
	}
	return decodeStep(stepID, data, out)
}

// sleepCheckpoint is the memoized wake time of a durable sleep.
type sleepCheckpoint struct {
	WakeAt time.Time `json:"wake_at"`
}

// Sleep suspends the job until now+d. The wake time is checkpointed on
// first execution, so crash-replays resume the same deadline instead of
// restarting the wait.
func (c *Context) Sleep(stepID string, d time.Duration) error {
	raw, done, err := c.loadStep(stepID)
	if err != nil {
		return err
	}
	if done {
		var cp sleepCheckpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return fmt.Errorf("step %q: corrupt sleep checkpoint: %w", stepID, err)
		}
		if time.Now().Before(cp.WakeAt) {
			return suspend(JobStatusSleeping, cp.WakeAt)
		}
		return nil
	}

	wakeAt := time.Now().Add(d)
	data, _ := json.Marshal(sleepCheckpoint{WakeAt: wakeAt})
	if err := c.saveStep(stepID, StepKindSleep, data); err != nil {
		return err
	}
	return suspend(JobStatusSleeping, wakeAt)
}

// SendEvent publishes events once per step id. Event ids dedupe at the
// bus, so even a replay racing the checkpoint write cannot double-run a
// deterministic event.
func (c *Context) SendEvent(stepID string, events ...Event) error {
	_, done, err := c.loadStep(stepID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	accepted, err := c.client.Send(c.Context, events...)
	if err != nil {
		return fmt.Errorf("step %q: %w", stepID, err)
	}
	data, _ := json.Marshal(map[string]int{"accepted": accepted})
	return c.saveStep(stepID, StepKindSendEvent, data)
}

// InvokeCall names one child job dispatch.
type InvokeCall struct {
	// ID is the deterministic child job id; it doubles as the step id.
	ID       string
	Function string
	Payload  any
}

// InvokeResult is the memoized terminal state of one child job.
type InvokeResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Decode unmarshals the child's result into out, or surfaces its error.
func (r InvokeResult) Decode(out any) error {
	if r.Error != "" {
		return &ChildError{JobID: r.ID, Message: r.Error}
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("failed to decode result of child %s: %w", r.ID, err)
	}
	return nil
}

// Invoke runs one child job to completion, suspending between polls.
func (c *Context) Invoke(id, function string, payload any, out any) error {
	results, err := c.InvokeAll([]InvokeCall{{ID: id, Function: function, Payload: payload}})
	if err != nil {
		return err
	}
	return results[0].Decode(out)
}

// InvokeAll dispatches a wave of child jobs and suspends until every one
// is terminal. Children are created under their deterministic ids, so
// replays never duplicate dispatch; each terminal child is memoized under
// its own step id the moment it finishes.
func (c *Context) InvokeAll(calls []InvokeCall) ([]InvokeResult, error) {
	results := make([]InvokeResult, len(calls))
	var pending []string
	pendingIdx := make(map[string]int, len(calls))

	for i, call := range calls {
		raw, done, err := c.loadStep(call.ID)
		if err != nil {
			return nil, err
		}
		if done {
			if err := json.Unmarshal(raw, &results[i]); err != nil {
				return nil, fmt.Errorf("step %q: corrupt invoke checkpoint: %w", call.ID, err)
			}
			continue
		}
		if err := c.client.CreateChildJob(c.Context, call.ID, call.Function, c.job.ID, call.Payload); err != nil {
			return nil, err
		}
		pending = append(pending, call.ID)
		pendingIdx[call.ID] = i
	}

	if len(pending) == 0 {
		return results, nil
	}

	states, err := c.client.JobStates(c.Context, pending)
	if err != nil {
		return nil, err
	}
	waiting := 0
	for _, id := range pending {
		state, ok := states[id]
		if !ok || !state.Status.Terminal() {
			waiting++
			continue
		}
		result := InvokeResult{ID: id, Result: state.Result}
		if state.Status != JobStatusCompleted {
			result.Result = nil
			result.Error = "child job did not complete"
			if state.Error != nil {
				result.Error = *state.Error
			}
		}
		data, _ := json.Marshal(result)
		if err := c.saveStep(id, StepKindInvoke, data); err != nil {
			return nil, err
		}
		results[pendingIdx[id]] = result
	}
	if waiting > 0 {
		return nil, suspend(JobStatusWaiting, time.Now().Add(c.invokePollInterval))
	}
	return results, nil
}

// loadStep returns the memoized result of a step, if completed.
func (c *Context) loadStep(stepID string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	err := c.db.GetContext(c.Context, &raw,
		`SELECT COALESCE(result, 'null'::jsonb) FROM workflow_steps WHERE job_id = $1 AND step_id = $2`,
		c.job.ID, stepID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load step %q: %w", stepID, err)
	}
	return raw, true, nil
}

// saveStep checkpoints a completed step. The conflict clause keeps the
// first write: a replay racing its own checkpoint cannot overwrite it.
func (c *Context) saveStep(stepID string, kind StepKind, result json.RawMessage) error {
	_, err := c.db.ExecContext(c.Context, `
		INSERT INTO workflow_steps (job_id, step_id, kind, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, step_id) DO NOTHING`,
		c.job.ID, stepID, kind, result)
	if err != nil {
		return fmt.Errorf("failed to save step %q: %w", stepID, err)
	}
	return nil
}

// decodeStep unmarshals a memoized result into out.
func decodeStep(stepID string, raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("step %q: failed to decode memoized result: %w", stepID, err)
	}
	return nil
}
