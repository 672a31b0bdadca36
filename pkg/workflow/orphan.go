package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// orphanState tracks sweeper metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastScan         time.Time
	requeued         int
	deadlinesExpired int
}

// runOrphanSweeper periodically requeues heartbeat-stale jobs and fails
// jobs past their finish deadline.
func (p *WorkerPool) runOrphanSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.sweepOrphans(ctx); err != nil {
				slog.Error("Orphan sweep failed", "error", err)
			}
		}
	}
}

// sweepOrphans runs one pass of both recovery rules.
func (p *WorkerPool) sweepOrphans(ctx context.Context) error {
	requeued, err := p.requeueStaleHeartbeats(ctx)
	if err != nil {
		return err
	}
	expired, err := p.failExpiredDeadlines(ctx)
	if err != nil {
		return err
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += requeued
	p.orphans.deadlinesExpired += expired
	p.orphans.mu.Unlock()
	return nil
}

// requeueStaleHeartbeats returns running jobs whose owning pod stopped
// heartbeating to the pending queue. Completed steps are checkpointed,
// so the next claim replays through them and continues where the dead
// pod left off. Attempt counters are untouched: a crash is not a
// handler failure.
func (p *WorkerPool) requeueStaleHeartbeats(ctx context.Context) (int, error) {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_jobs SET
			status = $1, pod_id = NULL, wake_at = NULL
		WHERE status = $2 AND last_heartbeat_at < $3`,
		JobStatusPending, JobStatusRunning, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue heartbeat-stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("Requeued orphaned jobs with stale heartbeats", "count", n)
	}
	return int(n), nil
}

// failExpiredDeadlines fails any non-terminal job past its deadline_at.
// The deadline bounds the whole life of a job from its first start,
// including suspensions, so a run stuck forever in a sleep/poll loop is
// eventually surfaced as failed instead of lingering.
func (p *WorkerPool) failExpiredDeadlines(ctx context.Context) (int, error) {
	var expired []Job
	query := fmt.Sprintf(`
		UPDATE workflow_jobs SET
			status = $1, error = $2, wake_at = NULL, finished_at = now()
		WHERE status IN ($3, $4, $5, $6) AND deadline_at IS NOT NULL AND deadline_at < now()
		RETURNING %s`, jobColumns)
	err := p.db.SelectContext(ctx, &expired, query,
		JobStatusFailed, "finish timeout exceeded",
		JobStatusPending, JobStatusRunning, JobStatusSleeping, JobStatusWaiting)
	if err != nil {
		return 0, fmt.Errorf("failed to expire job deadlines: %w", err)
	}

	for i := range expired {
		job := &expired[i]
		slog.Error("Job exceeded finish timeout",
			"job_id", job.ID, "function", job.Function, "deadline_at", job.DeadlineAt)
		fn, _ := p.registry.Get(job.Function)
		runFailureHook(ctx, fn, job, fmt.Errorf("finish timeout exceeded"))
	}
	return len(expired), nil
}

// requeueStartupOrphans requeues jobs this pod was running when it last
// crashed. Called once before the pool starts claiming.
func requeueStartupOrphans(ctx context.Context, db *sqlx.DB, podID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE workflow_jobs SET
			status = $1, pod_id = NULL, wake_at = NULL
		WHERE status = $2 AND pod_id = $3`,
		JobStatusPending, JobStatusRunning, podID)
	if err != nil {
		return fmt.Errorf("failed to requeue startup orphans: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("Requeued jobs left running by previous pod instance",
			"pod_id", podID, "count", n)
	}
	return nil
}
