package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/models"
)

// AuditStore persists audit executions. Completion flips the is_latest
// flag for the (fiche, config) key inside one transaction, so readers
// always observe exactly one latest audit per key. The per-run grouped
// counts are the audit gate's join barrier.
type AuditStore struct {
	db *sqlx.DB
}

const auditColumns = `id, fiche_id, audit_config_id, status, automation_run_id,
	is_latest, error_message, result, created_at, updated_at`

// EnsurePending creates the pending audit rows for a run's (fiche, config)
// pairs. Existing rows are left untouched, so replays and retry waves are
// no-ops here.
func (s *AuditStore) EnsurePending(ctx context.Context, runID, ficheID int64, configIDs []int64) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, configID := range configIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO audits (fiche_id, audit_config_id, status, automation_run_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (automation_run_id, fiche_id, audit_config_id)
				WHERE automation_run_id IS NOT NULL
				DO NOTHING`,
				ficheID, configID, models.AuditStatusPending, runID)
			if err != nil {
				return fmt.Errorf("failed to ensure pending audit (fiche %d, config %d): %w", ficheID, configID, err)
			}
		}
		return nil
	})
}

// Claim transitions a run's pending audit to running and returns it. If
// the audit is already terminal the row is returned as-is with claimed
// false, letting a replayed worker skip the engine call.
func (s *AuditStore) Claim(ctx context.Context, runID, ficheID, configID int64) (*models.Audit, bool, error) {
	var audit models.Audit
	query := fmt.Sprintf(`
		UPDATE audits
		SET status = $4, updated_at = now()
		WHERE automation_run_id = $1 AND fiche_id = $2 AND audit_config_id = $3
		  AND status IN ($5, $4)
		RETURNING %s`, auditColumns)
	err := s.db.GetContext(ctx, &audit, query,
		runID, ficheID, configID, models.AuditStatusRunning, models.AuditStatusPending)
	if err == nil {
		return &audit, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to claim audit (run %d, fiche %d, config %d): %w", runID, ficheID, configID, err)
	}

	// Not claimable: either absent or already terminal.
	getQuery := fmt.Sprintf(`
		SELECT %s FROM audits
		WHERE automation_run_id = $1 AND fiche_id = $2 AND audit_config_id = $3`, auditColumns)
	if err := s.db.GetContext(ctx, &audit, getQuery, runID, ficheID, configID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("failed to load audit (run %d, fiche %d, config %d): %w", runID, ficheID, configID, err)
	}
	return &audit, false, nil
}

// Complete marks an audit completed and flips is_latest to it for its
// (fiche, config) key, in one transaction.
func (s *AuditStore) Complete(ctx context.Context, auditID int64, result json.RawMessage) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var ficheID, configID int64
		err := tx.QueryRowContext(ctx,
			`SELECT fiche_id, audit_config_id FROM audits WHERE id = $1 FOR UPDATE`, auditID).
			Scan(&ficheID, &configID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock audit %d: %w", auditID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE audits SET is_latest = FALSE, updated_at = now()
			WHERE fiche_id = $1 AND audit_config_id = $2 AND is_latest AND id <> $3`,
			ficheID, configID, auditID)
		if err != nil {
			return fmt.Errorf("failed to clear previous latest audit (fiche %d, config %d): %w", ficheID, configID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE audits
			SET status = $2, is_latest = TRUE, result = $3, error_message = NULL, updated_at = now()
			WHERE id = $1`, auditID, models.AuditStatusCompleted, result)
		if err != nil {
			return fmt.Errorf("failed to complete audit %d: %w", auditID, err)
		}
		return nil
	})
}

// Fail marks an audit failed with its first error message.
func (s *AuditStore) Fail(ctx context.Context, auditID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audits
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ($4)`,
		auditID, models.AuditStatusFailed, errMsg, models.AuditStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark audit %d failed: %w", auditID, err)
	}
	return nil
}

// AuditStatusCount is the per-fiche aggregate the audit gate polls. A
// fiche is done when Completed+Failed reaches the run's config count.
type AuditStatusCount struct {
	FicheID   int64 `db:"fiche_id"`
	Completed int   `db:"completed"`
	Failed    int   `db:"failed"`
}

// Terminal returns the number of audits that reached a final state.
func (c AuditStatusCount) Terminal() int { return c.Completed + c.Failed }

// StatusCounts groups this run's audits by fiche and terminal status.
// Completed audits are counted through their is_latest row.
func (s *AuditStore) StatusCounts(ctx context.Context, runID int64, ficheIDs []int64) (map[int64]AuditStatusCount, error) {
	out := make(map[int64]AuditStatusCount, len(ficheIDs))
	if len(ficheIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT fiche_id,
		       COUNT(*) FILTER (WHERE status = 'completed' AND is_latest) AS completed,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM audits
		WHERE automation_run_id = ? AND fiche_id IN (?)
		GROUP BY fiche_id`, runID, ficheIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit status query: %w", err)
	}
	var counts []AuditStatusCount
	if err := s.db.SelectContext(ctx, &counts, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query audit status counts: %w", err)
	}
	for _, c := range counts {
		out[c.FicheID] = c
	}
	return out, nil
}

// CompletedCountForRun counts this run's completed audits (the auditsRun
// counter written at finalize).
func (s *AuditStore) CompletedCountForRun(ctx context.Context, runID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM audits
		WHERE automation_run_id = $1 AND status = 'completed'`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed audits for run %d: %w", runID, err)
	}
	return count, nil
}

// FichesWithCompletedAudit returns which of the given fiches already carry
// a completed latest audit, for the onlyUnaudited selection filter.
func (s *AuditStore) FichesWithCompletedAudit(ctx context.Context, ficheIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ficheIDs))
	if len(ficheIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT fiche_id FROM audits
		WHERE fiche_id IN (?) AND status = 'completed' AND is_latest`, ficheIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build audited fiches query: %w", err)
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query audited fiches: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
