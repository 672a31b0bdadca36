package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qualivox/callaudit/pkg/crm"
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// FetchPayload triggers one fiche detail fetch. Ids travel as strings.
type FetchPayload struct {
	RunID   string `json:"run_id"`
	FicheID string `json:"fiche_id"`
	Cle     string `json:"cle,omitempty"`
}

// Fetch result statuses.
const (
	FetchStatusFetched  = "fetched"
	FetchStatusCached   = "cached"
	FetchStatusNotFound = "not_found"
)

// FetchResult is the worker's memoized outcome.
type FetchResult struct {
	FicheID         string `json:"fiche_id"`
	Status          string `json:"status"`
	RecordingsCount int    `json:"recordings_count"`
}

// fetchHandler ensures a fiche's cache row is full-details or carries
// the terminal NOT_FOUND marker. The details gate reads the cache, not
// this job's result, so the write is the contract.
func fetchHandler(deps Deps) workflow.HandlerFunc {
	return func(ctx *workflow.Context) (any, error) {
		var payload FetchPayload
		if err := ctx.Payload(&payload); err != nil {
			return nil, err
		}
		ficheID, err := models.ParseID(payload.FicheID)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}

		var result FetchResult
		err = ctx.Run("ensure-details", func(stepCtx context.Context) (any, error) {
			return EnsureDetails(stepCtx, deps, ficheID, payload.Cle)
		}, &result)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// EnsureDetails is the shared fetch stage: used by this worker and by
// the fiche-worker's first step.
func EnsureDetails(ctx context.Context, deps Deps, ficheID int64, cle string) (FetchResult, error) {
	result := FetchResult{FicheID: models.FormatID(ficheID)}

	cached, err := deps.Store.Fiches.Get(ctx, ficheID)
	switch {
	case err == nil:
		if cached.IsNotFound() {
			result.Status = FetchStatusNotFound
			return result, nil
		}
		if cached.IsFullDetails() {
			result.Status = FetchStatusCached
			if cached.RecordingsCount != nil {
				result.RecordingsCount = *cached.RecordingsCount
			}
			return result, nil
		}
		if cle == "" && cached.Cle != nil {
			cle = *cached.Cle
		}
	case errors.Is(err, store.ErrNotFound):
		// No cache row yet; fetch with the payload's cle.
	default:
		return result, err
	}

	details, err := deps.CRM.Details(ctx, ficheID, cle)
	if err != nil {
		if errors.Is(err, crm.ErrFicheNotFound) {
			if markErr := deps.Store.Fiches.MarkNotFound(ctx, ficheID); markErr != nil {
				return result, markErr
			}
			result.Status = FetchStatusNotFound
			return result, nil
		}
		return result, fmt.Errorf("failed to fetch details of fiche %d: %w", ficheID, err)
	}

	recordings := make([]store.RecordingRow, 0, len(details.Recordings))
	for _, rec := range details.Recordings {
		recordings = append(recordings, store.RecordingRow{ExternalID: rec.ExternalID, URL: rec.URL})
	}

	row := store.FullDetailsRow{
		FicheID:         ficheID,
		RecordingsCount: len(recordings),
		RawData:         details.Raw,
		Recordings:      recordings,
	}
	if details.Cle != "" {
		row.Cle = &details.Cle
	}
	if details.Groupe != "" {
		row.Groupe = &details.Groupe
	}
	expiresAt := time.Now().Add(deps.Automation.FicheCacheTTL)
	if err := deps.Store.Fiches.UpsertFullDetails(ctx, row, expiresAt); err != nil {
		return result, err
	}

	result.Status = FetchStatusFetched
	result.RecordingsCount = len(recordings)
	return result, nil
}
