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

// FicheStore persists the fiche cache. Writes are monotone: a row moves
// forward from sales-list-only to full-details (or to the terminal
// NOT_FOUND marker) and never back. Several workers may upsert the same
// fiche concurrently; the conflict clauses below guarantee that the
// full-details row always survives.
type FicheStore struct {
	db *sqlx.DB
}

const ficheColumns = `fiche_id, cle, groupe, details_success, details_message,
	recordings_count, has_recordings, raw_data, is_sales_list_only, sales_date,
	expires_at, created_at, updated_at`

// Get returns one cache row.
func (s *FicheStore) Get(ctx context.Context, ficheID int64) (*models.FicheCache, error) {
	var fiche models.FicheCache
	query := fmt.Sprintf(`SELECT %s FROM fiche_cache WHERE fiche_id = $1`, ficheColumns)
	if err := s.db.GetContext(ctx, &fiche, query, ficheID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fiche %d: %w", ficheID, err)
	}
	return &fiche, nil
}

// GetMany returns the cache rows for the given ids, keyed by fiche id.
// Missing ids are simply absent from the map.
func (s *FicheStore) GetMany(ctx context.Context, ficheIDs []int64) (map[int64]*models.FicheCache, error) {
	out := make(map[int64]*models.FicheCache, len(ficheIDs))
	if len(ficheIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		fmt.Sprintf(`SELECT %s FROM fiche_cache WHERE fiche_id IN (?)`, ficheColumns), ficheIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build fiche query: %w", err)
	}
	var fiches []models.FicheCache
	if err := s.db.SelectContext(ctx, &fiches, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get fiches: %w", err)
	}
	for i := range fiches {
		out[fiches[i].FicheID] = &fiches[i]
	}
	return out, nil
}

// SalesListRow is the summary projection returned by the CRM list endpoint.
type SalesListRow struct {
	FicheID   int64
	Cle       *string
	Groupe    *string
	SalesDate string
	RawData   json.RawMessage
}

// UpsertSalesList writes sales-list summaries. The conflict clause only
// touches rows still in the sales-list-only state, so a concurrent or
// earlier full-details write is never regressed.
func (s *FicheStore) UpsertSalesList(ctx context.Context, rows []SalesListRow, expiresAt time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, row := range rows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO fiche_cache
					(fiche_id, cle, groupe, raw_data, is_sales_list_only, sales_date, expires_at)
				VALUES ($1, $2, $3, $4, TRUE, $5, $6)
				ON CONFLICT (fiche_id) DO UPDATE
				SET cle = COALESCE(EXCLUDED.cle, fiche_cache.cle),
				    groupe = COALESCE(EXCLUDED.groupe, fiche_cache.groupe),
				    raw_data = EXCLUDED.raw_data,
				    sales_date = EXCLUDED.sales_date,
				    expires_at = EXCLUDED.expires_at,
				    updated_at = now()
				WHERE fiche_cache.is_sales_list_only`,
				row.FicheID, row.Cle, row.Groupe, row.RawData, row.SalesDate, expiresAt)
			if err != nil {
				return fmt.Errorf("failed to upsert sales-list row for fiche %d: %w", row.FicheID, err)
			}
		}
		return nil
	})
}

// FullDetailsRow is the authoritative projection from the details endpoint.
type FullDetailsRow struct {
	FicheID         int64
	Cle             *string
	Groupe          *string
	RecordingsCount int
	RawData         json.RawMessage
	SalesDate       *string
	Recordings      []RecordingRow
}

// UpsertFullDetails promotes a row to full-details and replaces its
// recordings, in one transaction. Full-details always wins the conflict.
func (s *FicheStore) UpsertFullDetails(ctx context.Context, row FullDetailsRow, expiresAt time.Time) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fiche_cache
				(fiche_id, cle, groupe, details_success, details_message, recordings_count,
				 has_recordings, raw_data, is_sales_list_only, sales_date, expires_at)
			VALUES ($1, $2, $3, TRUE, NULL, $4, $5, $6, FALSE, $7, $8)
			ON CONFLICT (fiche_id) DO UPDATE
			SET cle = COALESCE(EXCLUDED.cle, fiche_cache.cle),
			    groupe = EXCLUDED.groupe,
			    details_success = TRUE,
			    details_message = NULL,
			    recordings_count = EXCLUDED.recordings_count,
			    has_recordings = EXCLUDED.has_recordings,
			    raw_data = EXCLUDED.raw_data,
			    is_sales_list_only = FALSE,
			    sales_date = COALESCE(EXCLUDED.sales_date, fiche_cache.sales_date),
			    expires_at = EXCLUDED.expires_at,
			    updated_at = now()`,
			row.FicheID, row.Cle, row.Groupe, row.RecordingsCount,
			row.RecordingsCount > 0, row.RawData, row.SalesDate, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to upsert full details for fiche %d: %w", row.FicheID, err)
		}
		return upsertRecordingsTx(ctx, tx, row.FicheID, row.Recordings)
	})
}

// MarkNotFound persists the terminal NOT_FOUND marker verbatim. The fiche
// is ignored at every subsequent gate.
func (s *FicheStore) MarkNotFound(ctx context.Context, ficheID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fiche_cache
			(fiche_id, details_success, details_message, recordings_count,
			 has_recordings, is_sales_list_only)
		VALUES ($1, FALSE, $2, 0, FALSE, FALSE)
		ON CONFLICT (fiche_id) DO UPDATE
		SET details_success = FALSE,
		    details_message = $2,
		    is_sales_list_only = FALSE,
		    updated_at = now()`, ficheID, models.NotFoundMarker)
	if err != nil {
		return fmt.Errorf("failed to mark fiche %d not found: %w", ficheID, err)
	}
	return nil
}

// DetailsState is the per-fiche readiness observed by the details gate.
type DetailsState struct {
	FicheID     int64 `db:"fiche_id"`
	FullDetails bool  `db:"full_details"`
	NotFound    bool  `db:"not_found"`
}

// Ready reports whether the fiche no longer blocks the details gate.
func (d DetailsState) Ready() bool { return d.FullDetails || d.NotFound }

// DetailsStates returns the gate readiness of each requested fiche. Fiches
// with no cache row at all are absent from the result and count as pending.
func (s *FicheStore) DetailsStates(ctx context.Context, ficheIDs []int64) (map[int64]DetailsState, error) {
	out := make(map[int64]DetailsState, len(ficheIDs))
	if len(ficheIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT fiche_id,
		       (NOT is_sales_list_only AND details_success IS TRUE) AS full_details,
		       (details_success IS FALSE AND details_message = ?) AS not_found
		FROM fiche_cache
		WHERE fiche_id IN (?)`, models.NotFoundMarker, ficheIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build details state query: %w", err)
	}
	var states []DetailsState
	if err := s.db.SelectContext(ctx, &states, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query details states: %w", err)
	}
	for _, st := range states {
		out[st.FicheID] = st
	}
	return out, nil
}

// CachedSelection filters the legacy path's work set straight from the
// cache: fiches seen on the given sales dates, optionally restricted to
// groupes and to fiches with recordings.
type CachedSelection struct {
	Dates              []string
	Groupes            []string
	OnlyWithRecordings bool
	Limit              int
}

// ListCachedFicheIDs returns the fiche ids matching a cached selection,
// oldest row first for stable ordering across replays.
func (s *FicheStore) ListCachedFicheIDs(ctx context.Context, sel CachedSelection) ([]int64, error) {
	if len(sel.Dates) == 0 {
		return nil, nil
	}
	query := `SELECT fiche_id FROM fiche_cache WHERE sales_date IN (?)`
	args := []any{sel.Dates}
	if len(sel.Groupes) > 0 {
		query += ` AND (groupe IN (?) OR is_sales_list_only)`
		args = append(args, sel.Groupes)
	}
	if sel.OnlyWithRecordings {
		query += ` AND (has_recordings OR is_sales_list_only)`
	}
	query += ` ORDER BY fiche_id`
	if sel.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, sel.Limit)
	}

	built, builtArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build cached selection query: %w", err)
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(built), builtArgs...); err != nil {
		return nil, fmt.Errorf("failed to list cached fiches: %w", err)
	}
	return ids, nil
}

// DeleteExpired removes cache rows past their expiry, cascading to their
// recordings and audits. Used by the retention sweep.
func (s *FicheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM fiche_cache
		WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired fiche cache rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
