package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/config"
)

// ErrNoJobsAvailable indicates no claimable job exists right now.
var ErrNoJobsAvailable = errors.New("no jobs available")

// claimBatchSize bounds how many locked candidates a claim transaction
// inspects before giving up. Candidates blocked by concurrency caps are
// skipped in place, so a full queue of capped jobs does not starve other
// functions.
const claimBatchSize = 10

// retryBackoffCap bounds the exponential retry delay.
const retryBackoffCap = 5 * time.Minute

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// Worker is a single pool worker that claims and executes workflow jobs.
type Worker struct {
	id       string
	podID    string
	db       *sqlx.DB
	registry *Registry
	client   *Client
	config   *config.WorkerConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a workflow worker.
func NewWorker(id, podID string, db *sqlx.DB, registry *Registry, client *Client, cfg *config.WorkerConfig) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		db:           db,
		registry:     registry,
		client:       client,
		config:       cfg,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current job to
// suspend or finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Workflow worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Workflow worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, workflow worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing workflow job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one job and executes it to its next suspension
// point or terminal state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, fn, err := w.claimNextJob(ctx)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "function", job.Function, "worker_id", w.id)
	log.Info("Job claimed", "attempt", job.Attempt, "max_attempts", job.MaxAttempts)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// Heartbeat for orphan detection while the handler runs.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go w.runHeartbeat(heartbeatCtx, job.ID)

	result, execErr := w.execute(ctx, job, fn)
	cancelHeartbeat()

	// Finish with a background context: a shutdown-cancelled ctx must not
	// lose the outcome of a handler that already ran.
	if err := w.settle(context.Background(), job, fn, result, execErr); err != nil {
		log.Error("Failed to settle job", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

// claimNextJob atomically claims the next runnable job using
// FOR UPDATE SKIP LOCKED. Runnable means pending and due, or suspended
// with an elapsed wake time. Pending jobs of functions with a concurrency
// cap are skipped while the cap is full; suspended jobs already hold
// their slot and always resume.
func (w *Worker) claimNextJob(ctx context.Context) (*Job, *Function, error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var candidates []Job
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_jobs
		WHERE (status = $1 AND (wake_at IS NULL OR wake_at <= now()))
		   OR (status IN ($2, $3) AND wake_at <= now())
		ORDER BY created_at
		LIMIT %d
		FOR UPDATE SKIP LOCKED`, jobColumns, claimBatchSize)
	if err := tx.SelectContext(ctx, &candidates, query,
		JobStatusPending, JobStatusSleeping, JobStatusWaiting); err != nil {
		return nil, nil, fmt.Errorf("failed to query runnable jobs: %w", err)
	}

	for i := range candidates {
		job := &candidates[i]
		fn, ok := w.registry.Get(job.Function)
		if !ok {
			// A job for a function this build no longer registers. Leave it
			// for a pod that knows it.
			continue
		}

		if job.Status == JobStatusPending && fn.Concurrency > 0 {
			var active int
			err := tx.GetContext(ctx, &active, `
				SELECT COUNT(*) FROM workflow_jobs
				WHERE function = $1 AND status IN ($2, $3, $4)`,
				job.Function, JobStatusRunning, JobStatusSleeping, JobStatusWaiting)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to count active jobs for %s: %w", job.Function, err)
			}
			if active >= fn.Concurrency {
				continue
			}
		}

		// Orphan-requeued jobs keep their attempt number; the retry path,
		// not the claim, spends attempts.
		claimed := Job{}
		claimQuery := fmt.Sprintf(`
			UPDATE workflow_jobs SET
				status = $1,
				pod_id = $2,
				last_heartbeat_at = now(),
				started_at = COALESCE(started_at, now()),
				deadline_at = COALESCE(deadline_at, now() + $3::interval),
				attempt = CASE WHEN attempt = 0 THEN 1 ELSE attempt END
			WHERE id = $4
			RETURNING %s`, jobColumns)
		deadline := fmt.Sprintf("%d milliseconds", finishTimeout(fn).Milliseconds())
		if err := tx.GetContext(ctx, &claimed, claimQuery,
			JobStatusRunning, w.podID, deadline, job.ID); err != nil {
			return nil, nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("failed to commit claim: %w", err)
		}
		return &claimed, fn, nil
	}

	return nil, nil, ErrNoJobsAvailable
}

// finishTimeout returns the function's deadline budget, defaulting to 1h.
func finishTimeout(fn *Function) time.Duration {
	if fn.FinishTimeout > 0 {
		return fn.FinishTimeout
	}
	return time.Hour
}

// execute runs the handler with panic containment.
func (w *Worker) execute(ctx context.Context, job *Job, fn *Function) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Workflow handler panicked",
				"job_id", job.ID, "function", job.Function,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	stepCtx := newContext(ctx, job, w.db, w.client, w.config.PollInterval)
	return fn.Handler(stepCtx)
}

// settle records the outcome of one execution: suspension, completion,
// retry scheduling, or permanent failure.
func (w *Worker) settle(ctx context.Context, job *Job, fn *Function, result any, execErr error) error {
	log := slog.With("job_id", job.ID, "function", job.Function)

	if s, ok := asSuspend(execErr); ok {
		_, err := w.db.ExecContext(ctx, `
			UPDATE workflow_jobs SET status = $1, wake_at = $2 WHERE id = $3`,
			s.status, s.wakeAt, job.ID)
		if err != nil {
			return fmt.Errorf("failed to suspend job %s: %w", job.ID, err)
		}
		log.Debug("Job suspended", "status", s.status, "wake_at", s.wakeAt)
		return nil
	}

	if execErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			execErr = fmt.Errorf("failed to marshal job result: %w", err)
		} else {
			_, err := w.db.ExecContext(ctx, `
				UPDATE workflow_jobs SET
					status = $1, result = $2, wake_at = NULL, finished_at = now()
				WHERE id = $3`,
				JobStatusCompleted, data, job.ID)
			if err != nil {
				return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
			}
			log.Info("Job completed")
			return nil
		}
	}

	if IsNonRetriable(execErr) || job.Attempt >= job.MaxAttempts {
		return w.fail(ctx, job, fn, execErr)
	}

	delay := retryBackoff(job.Attempt)
	_, err := w.db.ExecContext(ctx, `
		UPDATE workflow_jobs SET
			status = $1, attempt = attempt + 1, wake_at = $2, error = $3
		WHERE id = $4`,
		JobStatusPending, time.Now().Add(delay), execErr.Error(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	log.Warn("Job failed, retry scheduled",
		"attempt", job.Attempt, "max_attempts", job.MaxAttempts,
		"delay", delay, "error", execErr)
	return nil
}

// fail marks the job permanently failed and runs the failure hook.
func (w *Worker) fail(ctx context.Context, job *Job, fn *Function, execErr error) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE workflow_jobs SET
			status = $1, error = $2, wake_at = NULL, finished_at = now()
		WHERE id = $3`,
		JobStatusFailed, execErr.Error(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	slog.Error("Job failed permanently",
		"job_id", job.ID, "function", job.Function,
		"attempt", job.Attempt, "error", execErr)
	runFailureHook(ctx, fn, job, execErr)
	return nil
}

// runFailureHook invokes OnFailure with panic containment. Hook errors
// must never disturb job bookkeeping.
func runFailureHook(ctx context.Context, fn *Function, job *Job, jobErr error) {
	if fn == nil || fn.OnFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Workflow failure hook panicked",
				"job_id", job.ID, "function", job.Function, "panic", r)
		}
	}()
	fn.OnFailure(ctx, job, jobErr)
}

// retryBackoff returns the delay before re-running a failed attempt.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 2 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return d
}

// runHeartbeat periodically refreshes last_heartbeat_at for orphan
// detection while the handler runs.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.db.ExecContext(ctx, `
				UPDATE workflow_jobs SET last_heartbeat_at = now()
				WHERE id = $1 AND status = $2`, jobID, JobStatusRunning)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, sql.ErrConnDone) {
					slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// Job no longer running under this pod; stop heartbeating.
				return
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
