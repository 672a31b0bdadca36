package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/qualivox/callaudit/pkg/engine"
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// FichePayload drives one fiche through the pipeline stages.
type FichePayload struct {
	RunID                 string   `json:"run_id"`
	ScheduleID            string   `json:"schedule_id"`
	FicheID               string   `json:"fiche_id"`
	Cle                   string   `json:"cle,omitempty"`
	Groupes               []string `json:"groupes,omitempty"`
	OnlyWithRecordings    bool     `json:"only_with_recordings,omitempty"`
	MaxRecordings         int      `json:"max_recordings"`
	RunTranscription      bool     `json:"run_transcription"`
	SkipIfTranscribed     bool     `json:"skip_if_transcribed"`
	TranscriptionPriority string   `json:"transcription_priority,omitempty"`
	RunAudits             bool     `json:"run_audits"`
	AuditConfigID         string   `json:"audit_config_id,omitempty"`
	UseRlm                bool     `json:"use_rlm,omitempty"`
}

// Fiche outcome statuses.
const (
	FicheStatusSuccess = "success"
	FicheStatusFailed  = "failed"
	FicheStatusIgnored = "ignored"
)

// FicheOutcome is the fiche worker's memoized result, aggregated by the
// day worker and the run orchestrator.
type FicheOutcome struct {
	FicheID         string `json:"fiche_id"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	Error           string `json:"error,omitempty"`
	RecordingsCount int    `json:"recordings_count"`
	Transcribed     int    `json:"transcribed"`
	AuditsCompleted int    `json:"audits_completed"`
}

// filterDecision is the memoized verdict of the group and recording
// policy stages, evaluated against the authoritative cache row.
type filterDecision struct {
	Ignore          bool   `json:"ignore"`
	Reason          string `json:"reason,omitempty"`
	RecordingsCount int    `json:"recordings_count"`
}

// ficheHandler runs one fiche through ensure-details, the filters, and
// the transcription and audit stages. Stage failures are encoded in the
// outcome so the parent wave keeps going; only infrastructure errors
// fail the attempt.
func ficheHandler(deps Deps) workflow.HandlerFunc {
	return func(ctx *workflow.Context) (any, error) {
		var payload FichePayload
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
		outcome := FicheOutcome{FicheID: payload.FicheID}

		var fetch engine.FetchResult
		err = ctx.Run("ensure-details", func(stepCtx context.Context) (any, error) {
			return engine.EnsureDetails(stepCtx, deps.engineDeps(), ficheID, payload.Cle)
		}, &fetch)
		if err != nil {
			return nil, err
		}
		if fetch.Status == engine.FetchStatusNotFound {
			outcome.Status = FicheStatusIgnored
			outcome.Reason = models.ReasonNotFound
			return outcome, nil
		}

		var decision filterDecision
		err = ctx.Run("evaluate-filters", func(stepCtx context.Context) (any, error) {
			return evaluateFilters(stepCtx, deps, ficheID, payload)
		}, &decision)
		if err != nil {
			return nil, err
		}
		outcome.RecordingsCount = decision.RecordingsCount
		if decision.Ignore {
			outcome.Status = FicheStatusIgnored
			outcome.Reason = decision.Reason
			return outcome, nil
		}

		if payload.RunTranscription && decision.RecordingsCount > 0 {
			done, failErr := runTranscriptionStage(ctx, deps, runID, ficheID, payload, decision, &outcome)
			if failErr != nil {
				return nil, failErr
			}
			if !done {
				return outcome, nil
			}
		}

		if payload.RunAudits && payload.AuditConfigID != "" {
			done, failErr := runAuditStage(ctx, runID, ficheID, payload, &outcome)
			if failErr != nil {
				return nil, failErr
			}
			if !done {
				return outcome, nil
			}
		}

		outcome.Status = FicheStatusSuccess
		return outcome, nil
	}
}

// evaluateFilters applies the group filter and the recording policy
// against the authoritative full-details row.
func evaluateFilters(ctx context.Context, deps Deps, ficheID int64, payload FichePayload) (filterDecision, error) {
	row, err := deps.Store.Fiches.Get(ctx, ficheID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// ensure-details ran first; a missing row here means the cache
			// was swept mid-run.
			return filterDecision{Ignore: true, Reason: models.ReasonNotFound}, nil
		}
		return filterDecision{}, err
	}

	decision := filterDecision{}
	if row.RecordingsCount != nil {
		decision.RecordingsCount = *row.RecordingsCount
	}

	if len(payload.Groupes) > 0 {
		if row.Groupe == nil || !containsString(payload.Groupes, *row.Groupe) {
			decision.Ignore = true
			decision.Reason = models.ReasonGroupeNotSelected
			return decision, nil
		}
	}
	if payload.MaxRecordings > 0 && decision.RecordingsCount > payload.MaxRecordings {
		decision.Ignore = true
		decision.Reason = models.ReasonTooManyRecordings
		return decision, nil
	}
	if payload.OnlyWithRecordings && decision.RecordingsCount == 0 {
		decision.Ignore = true
		decision.Reason = models.ReasonNoRecordings
		return decision, nil
	}
	return decision, nil
}

// runTranscriptionStage resolves the pending recordings and invokes the
// transcription worker. Returns done=false when the stage failed and the
// outcome already records it.
func runTranscriptionStage(ctx *workflow.Context, deps Deps, runID, ficheID int64, payload FichePayload, decision filterDecision, outcome *FicheOutcome) (bool, error) {
	var pending []string
	err := ctx.Run("resolve-pending-recordings", func(stepCtx context.Context) (any, error) {
		if !payload.SkipIfTranscribed {
			return []string{}, nil // empty means every recording
		}
		return deps.Store.Recordings.PendingExternalIDs(stepCtx, ficheID)
	}, &pending)
	if err != nil {
		return false, err
	}

	if payload.SkipIfTranscribed && len(pending) == 0 {
		outcome.Transcribed = decision.RecordingsCount
		return true, nil
	}

	var res engine.TranscribeResult
	err = ctx.Invoke(
		TranscribeJobID(runID, ficheID),
		engine.TranscribeFunction,
		engine.TranscribePayload{
			RunID:        payload.RunID,
			FicheID:      payload.FicheID,
			RecordingIDs: pending,
			Priority:     payload.TranscriptionPriority,
		}, &res)
	if err != nil {
		var childErr *workflow.ChildError
		if errors.As(err, &childErr) {
			outcome.Status = FicheStatusFailed
			outcome.Error = fmt.Sprintf("transcription failed: %s", childErr.Message)
			return false, nil
		}
		return false, err
	}
	outcome.Transcribed = res.Transcribed
	return true, nil
}

// runAuditStage invokes the audit worker for the primary config.
func runAuditStage(ctx *workflow.Context, runID, ficheID int64, payload FichePayload, outcome *FicheOutcome) (bool, error) {
	configID, err := models.ParseID(payload.AuditConfigID)
	if err != nil {
		return false, workflow.NonRetriable(err)
	}

	var res engine.AuditResult
	err = ctx.Invoke(
		AuditJobID(runID, ficheID, configID),
		engine.AuditFunction,
		engine.AuditPayload{
			RunID:         payload.RunID,
			FicheID:       payload.FicheID,
			AuditConfigID: payload.AuditConfigID,
		}, &res)
	if err != nil {
		var childErr *workflow.ChildError
		if errors.As(err, &childErr) {
			outcome.Status = FicheStatusFailed
			outcome.Error = fmt.Sprintf("audit failed: %s", childErr.Message)
			return false, nil
		}
		return false, err
	}
	if res.Status != string(models.AuditStatusCompleted) {
		outcome.Status = FicheStatusFailed
		outcome.Error = fmt.Sprintf("audit failed: %s", res.Error)
		return false, nil
	}
	outcome.AuditsCompleted = 1
	return true, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
