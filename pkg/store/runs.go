package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/models"
)

// RunStore persists automation runs. Finalization and stale reconciliation
// also mirror the terminal status onto the owning schedule, in the same
// transaction, so the scheduler's non-overlap check never observes a
// half-updated pair.
type RunStore struct {
	db *sqlx.DB
}

const runColumns = `id, schedule_id, status, started_at, completed_at, duration_ms,
	total_fiches, successful_fiches, failed_fiches, ignored_fiches,
	transcriptions_run, audits_run, error_message, result_summary,
	payload_snapshot, created_at, updated_at`

// Create inserts a running run with the effective selection snapshot.
func (s *RunStore) Create(ctx context.Context, scheduleID int64, payloadSnapshot json.RawMessage) (*models.Run, error) {
	var run models.Run
	query := fmt.Sprintf(`
		INSERT INTO automation_runs (schedule_id, status, payload_snapshot)
		VALUES ($1, $2, $3)
		RETURNING %s`, runColumns)
	if err := s.db.GetContext(ctx, &run, query, scheduleID, models.RunStatusRunning, payloadSnapshot); err != nil {
		return nil, fmt.Errorf("failed to create run for schedule %d: %w", scheduleID, err)
	}
	return &run, nil
}

// Get returns one run by id.
func (s *RunStore) Get(ctx context.Context, id int64) (*models.Run, error) {
	var run models.Run
	query := fmt.Sprintf(`SELECT %s FROM automation_runs WHERE id = $1`, runColumns)
	if err := s.db.GetContext(ctx, &run, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run %d: %w", id, err)
	}
	return &run, nil
}

// List returns runs newest first, optionally filtered by schedule.
func (s *RunStore) List(ctx context.Context, scheduleID *int64, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.Run
	if scheduleID != nil {
		query := fmt.Sprintf(`SELECT %s FROM automation_runs WHERE schedule_id = $1 ORDER BY id DESC LIMIT $2`, runColumns)
		if err := s.db.SelectContext(ctx, &runs, query, *scheduleID, limit); err != nil {
			return nil, fmt.Errorf("failed to list runs for schedule %d: %w", *scheduleID, err)
		}
		return runs, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM automation_runs ORDER BY id DESC LIMIT $1`, runColumns)
	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// FinalizeParams carries everything written at run finalization.
type FinalizeParams struct {
	Status            models.RunStatus
	ErrorMessage      *string
	TotalFiches       int
	SuccessfulFiches  int
	FailedFiches      int
	IgnoredFiches     int
	TranscriptionsRun int
	AuditsRun         int
	Summary           models.ResultSummary
}

// Finalize writes the terminal state of a run and mirrors the status onto
// the schedule, transactionally. Only running runs are finalized; a second
// call is a no-op returning ErrNotFound so replays stay idempotent at the
// caller.
func (s *RunStore) Finalize(ctx context.Context, runID, scheduleID int64, p FinalizeParams) (*models.Run, error) {
	var run models.Run
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query := fmt.Sprintf(`
			UPDATE automation_runs
			SET status = $2,
			    completed_at = now(),
			    duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint,
			    total_fiches = $3,
			    successful_fiches = $4,
			    failed_fiches = $5,
			    ignored_fiches = $6,
			    transcriptions_run = $7,
			    audits_run = $8,
			    error_message = $9,
			    result_summary = $10,
			    updated_at = now()
			WHERE id = $1 AND status = $11
			RETURNING %s`, runColumns)
		err := tx.GetContext(ctx, &run, query,
			runID, p.Status, p.TotalFiches, p.SuccessfulFiches, p.FailedFiches,
			p.IgnoredFiches, p.TranscriptionsRun, p.AuditsRun, p.ErrorMessage,
			p.Summary, models.RunStatusRunning)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to finalize run %d: %w", runID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE automation_schedules
			SET last_run_status = $2, updated_at = now()
			WHERE id = $1`, scheduleID, string(p.Status))
		if err != nil {
			return fmt.Errorf("failed to mirror run status onto schedule %d: %w", scheduleID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// MarkStaleForSchedule reconciles running runs of a schedule that started
// before staleBefore: they become failed with the given reason, and the
// schedule's last_run_status follows. Returns the number of runs marked.
func (s *RunStore) MarkStaleForSchedule(ctx context.Context, scheduleID int64, staleBefore time.Time, reason string) (int64, error) {
	var marked int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE automation_runs
			SET status = $3,
			    completed_at = now(),
			    duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint,
			    error_message = $4,
			    updated_at = now()
			WHERE schedule_id = $1 AND status = $2 AND started_at < $5`,
			scheduleID, models.RunStatusRunning, models.RunStatusFailed, reason, staleBefore)
		if err != nil {
			return fmt.Errorf("failed to mark stale runs for schedule %d: %w", scheduleID, err)
		}
		marked, _ = res.RowsAffected()
		if marked == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE automation_schedules
			SET last_run_status = $2, updated_at = now()
			WHERE id = $1`, scheduleID, models.LastRunStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to mirror stale status onto schedule %d: %w", scheduleID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}
