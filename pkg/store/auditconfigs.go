package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/models"
)

// AuditConfigStore reads the declarative audit definitions. Configs are
// read-only at run time; the orchestrator only resolves ids and the audit
// engine forwards prompts and control steps verbatim.
type AuditConfigStore struct {
	db *sqlx.DB
}

const auditConfigColumns = `id, name, system_prompt, steps, is_automatic, is_active, created_at, updated_at`

// Get returns one config by id.
func (s *AuditConfigStore) Get(ctx context.Context, id int64) (*models.AuditConfig, error) {
	var cfg models.AuditConfig
	query := fmt.Sprintf(`SELECT %s FROM audit_configs WHERE id = $1`, auditConfigColumns)
	if err := s.db.GetContext(ctx, &cfg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit config %d: %w", id, err)
	}
	return &cfg, nil
}

// ListAutomaticIDs returns the ids of active configs flagged automatic.
// Joined with the schedule's specific configs to form the effective set.
func (s *AuditConfigStore) ListAutomaticIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM audit_configs
		WHERE is_automatic AND is_active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list automatic audit configs: %w", err)
	}
	return ids, nil
}

// ListActive returns every active config.
func (s *AuditConfigStore) ListActive(ctx context.Context) ([]models.AuditConfig, error) {
	var configs []models.AuditConfig
	query := fmt.Sprintf(`SELECT %s FROM audit_configs WHERE is_active ORDER BY id`, auditConfigColumns)
	if err := s.db.SelectContext(ctx, &configs, query); err != nil {
		return nil, fmt.Errorf("failed to list active audit configs: %w", err)
	}
	return configs, nil
}
