package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// notifyLimit is the safety margin under PostgreSQL's 8000-byte NOTIFY
// payload ceiling.
const notifyLimit = 7900

// Publisher persists run events and broadcasts them via NOTIFY. Each
// public method takes a specific typed payload — see payloads.go.
//
// Events are written to the run-scoped channel inside a transaction that
// also issues pg_notify (transactional, held until COMMIT), then a
// transient copy goes to the global runs channel for list pages.
type Publisher struct {
	db *sqlx.DB
}

// NewPublisher creates a Publisher on the shared database pool.
func NewPublisher(db *sqlx.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishRunStarted persists and broadcasts an automation.run.started event.
func (p *Publisher) PublishRunStarted(ctx context.Context, payload RunStartedPayload) error {
	return p.publish(ctx, payload.RunID, payload.Type, payload)
}

// PublishRunSelection persists and broadcasts an automation.run.selection event.
func (p *Publisher) PublishRunSelection(ctx context.Context, payload RunSelectionPayload) error {
	return p.publish(ctx, payload.RunID, payload.Type, payload)
}

// PublishRunProgress persists and broadcasts an automation.run.progress event.
func (p *Publisher) PublishRunProgress(ctx context.Context, payload RunProgressPayload) error {
	return p.publish(ctx, payload.RunID, payload.Type, payload)
}

// PublishRunCompleted persists and broadcasts an automation.run.completed event.
func (p *Publisher) PublishRunCompleted(ctx context.Context, payload RunCompletedPayload) error {
	return p.publish(ctx, payload.RunID, payload.Type, payload)
}

// PublishRunFailed persists and broadcasts an automation.run.failed event.
func (p *Publisher) PublishRunFailed(ctx context.Context, payload RunFailedPayload) error {
	return p.publish(ctx, payload.RunID, payload.Type, payload)
}

// publish persists the event to the run channel and best-effort
// broadcasts a transient copy to the global channel. The persistent
// write is authoritative; a failed global notify is logged, not
// returned.
func (p *Publisher) publish(ctx context.Context, runID, eventType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	if err := p.persistAndNotify(ctx, RunChannel(runID), eventType, payloadJSON); err != nil {
		return err
	}

	if err := p.notifyOnly(ctx, GlobalRunsChannel, payloadJSON); err != nil {
		slog.Warn("Failed to broadcast run event to global channel",
			"run_id", runID, "event_type", eventType, "error", err)
	}
	return nil
}

// persistAndNotify writes the event row and issues pg_notify in one
// transaction, so the NOTIFY fires only if the row is durable.
func (p *Publisher) persistAndNotify(ctx context.Context, channel, eventType string, payloadJSON []byte) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (channel, event_type, payload) VALUES ($1, $2, $3) RETURNING id`,
		channel, eventType, payloadJSON,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persistence.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectDBEventIDAndTruncate adds db_event_id to the NOTIFY payload so
// subscribers can track their catchup position, then applies the size
// limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload as-is when it fits the NOTIFY
// limit, otherwise a minimal envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyLimit {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload extracts the routing fields a subscriber needs
// to fetch the full event from the database.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		RunID     string `json:"run_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"run_id":    routing.RunID,
		"truncated": true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
