package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/models"
)

// RunLogStore persists the append-only structured log of a run. Callers
// are responsible for sanitizing metadata before it reaches this store.
type RunLogStore struct {
	db *sqlx.DB
}

// Append writes one log line.
func (s *RunLogStore) Append(ctx context.Context, runID int64, level models.LogLevel, message string, metadata models.Metadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_logs (run_id, level, message, metadata)
		VALUES ($1, $2, $3, $4)`, runID, level, message, metadata)
	if err != nil {
		return fmt.Errorf("failed to append run log for run %d: %w", runID, err)
	}
	return nil
}

// ListForRun returns a run's log lines in insertion order.
func (s *RunLogStore) ListForRun(ctx context.Context, runID int64, limit int) ([]models.RunLog, error) {
	if limit <= 0 {
		limit = 500
	}
	var logs []models.RunLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, run_id, level, message, metadata, created_at
		FROM automation_logs
		WHERE run_id = $1
		ORDER BY id
		LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs for run %d: %w", runID, err)
	}
	return logs, nil
}
