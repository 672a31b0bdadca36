package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// AuditPayload triggers one audit execution for (fiche, config).
type AuditPayload struct {
	RunID         string `json:"run_id"`
	FicheID       string `json:"fiche_id"`
	AuditConfigID string `json:"audit_config_id"`
}

// AuditResult is the worker's memoized outcome. Audit engine failures
// are encoded here and on the Audit row; the job itself completes, so
// one bad fiche never fails a parent wave.
type AuditResult struct {
	FicheID       string `json:"fiche_id"`
	AuditConfigID string `json:"audit_config_id"`
	Status        string `json:"status"` // completed | failed
	Error         string `json:"error,omitempty"`
}

// auditHandler claims the run's pending Audit row, calls the audit
// engine, and records the outcome. Completion flips is_latest in the
// same transaction (store.Audits.Complete).
func auditHandler(deps Deps) workflow.HandlerFunc {
	return func(ctx *workflow.Context) (any, error) {
		var payload AuditPayload
		if err := ctx.Payload(&payload); err != nil {
			return nil, err
		}
		runID, err := models.ParseID(payload.RunID)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}
		ficheID, err := models.ParseID(payload.FicheID)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}
		configID, err := models.ParseID(payload.AuditConfigID)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}

		var result AuditResult
		err = ctx.Run("execute-audit", func(stepCtx context.Context) (any, error) {
			return executeAudit(stepCtx, deps, runID, ficheID, configID)
		}, &result)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func executeAudit(ctx context.Context, deps Deps, runID, ficheID, configID int64) (AuditResult, error) {
	result := AuditResult{
		FicheID:       models.FormatID(ficheID),
		AuditConfigID: models.FormatID(configID),
	}

	// The dispatching side normally pre-creates the pending row; direct
	// bus triggers may not have.
	if err := deps.Store.Audits.EnsurePending(ctx, runID, ficheID, []int64{configID}); err != nil {
		return result, err
	}

	audit, claimed, err := deps.Store.Audits.Claim(ctx, runID, ficheID, configID)
	if err != nil {
		return result, err
	}
	if !claimed {
		// Already terminal from an earlier attempt.
		result.Status = string(audit.Status)
		if audit.ErrorMessage != nil {
			result.Error = *audit.ErrorMessage
		}
		return result, nil
	}

	cfg, err := deps.Store.AuditConfigs.Get(ctx, configID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			msg := fmt.Sprintf("audit config %d not found", configID)
			if failErr := deps.Store.Audits.Fail(ctx, audit.ID, msg); failErr != nil {
				return result, failErr
			}
			result.Status = string(models.AuditStatusFailed)
			result.Error = msg
			return result, nil
		}
		return result, err
	}

	transcripts, err := loadTranscripts(ctx, deps, ficheID)
	if err != nil {
		return result, err
	}

	doc, err := deps.Auditor.Audit(ctx, AuditRequest{
		FicheID:     ficheID,
		ConfigID:    configID,
		Name:        cfg.Name,
		Prompt:      cfg.SystemPrompt,
		Steps:       cfg.Steps,
		Transcripts: transcripts,
	})
	if err != nil {
		if failErr := deps.Store.Audits.Fail(ctx, audit.ID, err.Error()); failErr != nil {
			return result, failErr
		}
		result.Status = string(models.AuditStatusFailed)
		result.Error = err.Error()
		return result, nil
	}

	if err := deps.Store.Audits.Complete(ctx, audit.ID, doc); err != nil {
		return result, err
	}
	result.Status = string(models.AuditStatusCompleted)
	return result, nil
}

// loadTranscripts collects the fiche's finished transcriptions for the
// audit engine.
func loadTranscripts(ctx context.Context, deps Deps, ficheID int64) ([]Transcript, error) {
	recordings, err := deps.Store.Recordings.ListForFiche(ctx, ficheID)
	if err != nil {
		return nil, err
	}
	var transcripts []Transcript
	for _, rec := range recordings {
		if rec.HasTranscription && rec.TranscriptionID != nil {
			transcripts = append(transcripts, Transcript{
				RecordingExternalID: rec.ExternalID,
				TranscriptionID:     *rec.TranscriptionID,
			})
		}
	}
	return transcripts, nil
}
