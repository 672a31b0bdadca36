package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// StoredEvent is one persisted event row as returned by the catchup
// query.
type StoredEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupStore reads persisted events for subscription catchup.
type CatchupStore struct {
	db *sqlx.DB
}

// NewCatchupStore creates a CatchupStore on the shared pool.
func NewCatchupStore(db *sqlx.DB) *CatchupStore {
	return &CatchupStore{db: db}
}

// EventsSince returns up to limit events on a channel with id > sinceID,
// oldest first.
func (s *CatchupStore) EventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			evt StoredEvent
			raw []byte
		)
		if err := rows.Scan(&evt.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan catchup event: %w", err)
		}
		if err := json.Unmarshal(raw, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d payload: %w", evt.ID, err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catchup events: %w", err)
	}
	return out, nil
}

// DeleteOlderThan prunes events created before the cutoff. Consumers
// that far behind reconnect without a Last-Event-ID and refetch state
// over the REST API.
func (s *CatchupStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
