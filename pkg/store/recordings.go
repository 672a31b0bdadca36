package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/models"
)

// RecordingStore persists the audio recordings attached to cached fiches.
// The grouped transcription counts double as the transcription gate's join
// barrier: the orchestrator polls them instead of awaiting child jobs.
type RecordingStore struct {
	db *sqlx.DB
}

// RecordingRow is one recording as reported by the CRM details endpoint.
type RecordingRow struct {
	ExternalID string
	URL        string
}

// upsertRecordingsTx inserts recordings keyed by (fiche, external id),
// preserving any transcription state already recorded.
func upsertRecordingsTx(ctx context.Context, tx *sqlx.Tx, ficheID int64, rows []RecordingRow) error {
	for _, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recordings (fiche_id, external_id, url)
			VALUES ($1, $2, $3)
			ON CONFLICT (fiche_id, external_id) DO UPDATE
			SET url = EXCLUDED.url, updated_at = now()`,
			ficheID, row.ExternalID, row.URL)
		if err != nil {
			return fmt.Errorf("failed to upsert recording %s for fiche %d: %w", row.ExternalID, ficheID, err)
		}
	}
	return nil
}

// ListForFiche returns a fiche's recordings ordered by external id.
func (s *RecordingStore) ListForFiche(ctx context.Context, ficheID int64) ([]models.Recording, error) {
	var recordings []models.Recording
	err := s.db.SelectContext(ctx, &recordings, `
		SELECT id, fiche_id, external_id, url, has_transcription, transcription_id, created_at, updated_at
		FROM recordings
		WHERE fiche_id = $1
		ORDER BY external_id`, ficheID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings for fiche %d: %w", ficheID, err)
	}
	return recordings, nil
}

// PendingExternalIDs returns the external ids of recordings still missing
// a transcription for the fiche.
func (s *RecordingStore) PendingExternalIDs(ctx context.Context, ficheID int64) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT external_id FROM recordings
		WHERE fiche_id = $1 AND NOT has_transcription
		ORDER BY external_id`, ficheID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending recordings for fiche %d: %w", ficheID, err)
	}
	return ids, nil
}

// MarkTranscribed records a completed transcription for one recording.
func (s *RecordingStore) MarkTranscribed(ctx context.Context, ficheID int64, externalID, transcriptionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings
		SET has_transcription = TRUE, transcription_id = $3, updated_at = now()
		WHERE fiche_id = $1 AND external_id = $2`, ficheID, externalID, transcriptionID)
	if err != nil {
		return fmt.Errorf("failed to mark recording %s transcribed for fiche %d: %w", externalID, ficheID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TranscriptionCount is the per-fiche aggregate the transcription gate polls.
// A fiche is complete when Transcribed == Total and Total > 0.
type TranscriptionCount struct {
	FicheID     int64 `db:"fiche_id"`
	Total       int   `db:"total"`
	Transcribed int   `db:"transcribed"`
}

// Complete reports whether every recording of the fiche is transcribed.
func (c TranscriptionCount) Complete() bool { return c.Total > 0 && c.Transcribed == c.Total }

// TranscriptionCounts groups recordings by fiche and transcription state
// for the given fiches. Fiches with no recordings are absent.
func (s *RecordingStore) TranscriptionCounts(ctx context.Context, ficheIDs []int64) (map[int64]TranscriptionCount, error) {
	out := make(map[int64]TranscriptionCount, len(ficheIDs))
	if len(ficheIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT fiche_id,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE has_transcription) AS transcribed
		FROM recordings
		WHERE fiche_id IN (?)
		GROUP BY fiche_id`, ficheIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build transcription count query: %w", err)
	}
	var counts []TranscriptionCount
	if err := s.db.SelectContext(ctx, &counts, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query transcription counts: %w", err)
	}
	for _, c := range counts {
		out[c.FicheID] = c
	}
	return out, nil
}
