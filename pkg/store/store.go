// Package store implements the repository layer over PostgreSQL.
//
// Repositories share one pooled sqlx handle. Aggregate count queries over
// recordings and audits double as the join barriers the run orchestrator
// polls between fan-out waves.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store aggregates the typed repositories.
type Store struct {
	db *sqlx.DB

	Schedules    *ScheduleStore
	Runs         *RunStore
	RunLogs      *RunLogStore
	Fiches       *FicheStore
	Recordings   *RecordingStore
	Audits       *AuditStore
	AuditConfigs *AuditConfigStore
}

// New creates a Store backed by the given handle.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:           db,
		Schedules:    &ScheduleStore{db: db},
		Runs:         &RunStore{db: db},
		RunLogs:      &RunLogStore{db: db},
		Fiches:       &FicheStore{db: db},
		Recordings:   &RecordingStore{db: db},
		Audits:       &AuditStore{db: db},
		AuditConfigs: &AuditConfigStore{db: db},
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// withTx runs fn inside a transaction, rolling back on error.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
