package orchestrator

import (
	"context"
	"time"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// DayPayload drives one sales day through selection and fiche fan-out.
type DayPayload struct {
	RunID      string `json:"run_id"`
	ScheduleID string `json:"schedule_id"`
	// Date is CRM-formatted DD/MM/YYYY.
	Date string `json:"date"`

	AuditConfigID      string   `json:"audit_config_id,omitempty"`
	Groupes            []string `json:"groupes,omitempty"`
	OnlyWithRecordings bool     `json:"only_with_recordings,omitempty"`
	OnlyUnaudited      bool     `json:"only_unaudited,omitempty"`
	UseRlm             bool     `json:"use_rlm,omitempty"`
	MaxFiches          int      `json:"max_fiches,omitempty"`
	MaxRecordings      int      `json:"max_recordings"`

	RunTranscription      bool   `json:"run_transcription"`
	SkipIfTranscribed     bool   `json:"skip_if_transcribed"`
	TranscriptionPriority string `json:"transcription_priority,omitempty"`
	RunAudits             bool   `json:"run_audits"`

	ContinueOnError bool `json:"continue_on_error"`
}

// DayOutcome is the day worker's memoized result. A non-empty Error is
// the failed-day marker: the CRM was unreachable and continueOnError
// swallowed it at day granularity.
type DayOutcome struct {
	Date           string                `json:"date"`
	Successful     []string              `json:"successful,omitempty"`
	Failed         []models.FicheFailure `json:"failed,omitempty"`
	Ignored        []models.FicheIgnored `json:"ignored,omitempty"`
	Transcriptions int                   `json:"transcriptions"`
	Audits         int                   `json:"audits"`
	Error          string                `json:"error,omitempty"`
}

// ficheTarget is one selected fiche with the key needed for details calls.
type ficheTarget struct {
	FicheID string `json:"fiche_id"`
	Cle     string `json:"cle,omitempty"`
}

// daySelection is the memoized result of the sales-list step.
type daySelection struct {
	Targets []ficheTarget `json:"targets,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// dayHandler fetches one day's sales list, selects the fiche work set,
// and fans out fiche workers in bounded batches.
func dayHandler(deps Deps) workflow.HandlerFunc {
	return func(ctx *workflow.Context) (any, error) {
		var payload DayPayload
		if err := ctx.Payload(&payload); err != nil {
			return nil, err
		}
		runID, err := models.ParseID(payload.RunID)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}

		var selection daySelection
		err = ctx.Run("fetch-sales-list", func(stepCtx context.Context) (any, error) {
			return fetchDaySelection(stepCtx, deps, payload)
		}, &selection)
		if err != nil {
			return nil, err
		}

		outcome := DayOutcome{Date: payload.Date, Error: selection.Error}
		if selection.Error != "" || len(selection.Targets) == 0 {
			return outcome, nil
		}

		acc := newOutcomeAccumulator()
		batchSize := deps.Automation.FicheBatchSize
		if batchSize <= 0 {
			batchSize = 1
		}
		for start := 0; start < len(selection.Targets); start += batchSize {
			batch := selection.Targets[start:min(start+batchSize, len(selection.Targets))]

			calls := make([]workflow.InvokeCall, len(batch))
			for i, target := range batch {
				ficheID, err := models.ParseID(target.FicheID)
				if err != nil {
					return nil, workflow.NonRetriable(err)
				}
				calls[i] = workflow.InvokeCall{
					ID:       FicheJobID(runID, ficheID),
					Function: FicheWorkerFunction,
					Payload: FichePayload{
						RunID:                 payload.RunID,
						ScheduleID:            payload.ScheduleID,
						FicheID:               target.FicheID,
						Cle:                   target.Cle,
						Groupes:               payload.Groupes,
						OnlyWithRecordings:    payload.OnlyWithRecordings,
						MaxRecordings:         payload.MaxRecordings,
						RunTranscription:      payload.RunTranscription,
						SkipIfTranscribed:     payload.SkipIfTranscribed,
						TranscriptionPriority: payload.TranscriptionPriority,
						RunAudits:             payload.RunAudits,
						AuditConfigID:         payload.AuditConfigID,
						UseRlm:                payload.UseRlm,
					},
				}
			}

			results, err := ctx.InvokeAll(calls)
			if err != nil {
				return nil, err
			}
			for i, res := range results {
				acc.addInvokeResult(batch[i].FicheID, res)
			}
		}

		outcome.Successful = acc.Successful
		outcome.Failed = acc.Failed
		outcome.Ignored = acc.Ignored
		outcome.Transcriptions = acc.Transcriptions
		outcome.Audits = acc.Audits
		return outcome, nil
	}
}

// fetchDaySelection pulls the day's sales list, caches it, and selects
// the fiche work set. CRM failure surfaces as a step error unless
// continueOnError downgrades it to a failed-day marker.
func fetchDaySelection(ctx context.Context, deps Deps, payload DayPayload) (daySelection, error) {
	entries, err := deps.CRM.SalesList(ctx, payload.Date)
	if err != nil {
		if payload.ContinueOnError {
			return daySelection{Error: err.Error()}, nil
		}
		return daySelection{}, err
	}

	rows := make([]store.SalesListRow, 0, len(entries))
	for _, e := range entries {
		row := store.SalesListRow{FicheID: e.FicheID, SalesDate: payload.Date, RawData: e.Raw}
		if e.Cle != "" {
			cle := e.Cle
			row.Cle = &cle
		}
		if e.Groupe != "" {
			groupe := e.Groupe
			row.Groupe = &groupe
		}
		rows = append(rows, row)
	}
	expiresAt := time.Now().Add(deps.Automation.FicheCacheTTL)
	if err := deps.Store.Fiches.UpsertSalesList(ctx, rows, expiresAt); err != nil {
		return daySelection{}, err
	}

	targets := make([]ficheTarget, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		targets = append(targets, ficheTarget{FicheID: models.FormatID(e.FicheID), Cle: e.Cle})
		ids = append(ids, e.FicheID)
	}

	if payload.OnlyUnaudited && len(ids) > 0 {
		audited, err := deps.Store.Audits.FichesWithCompletedAudit(ctx, ids)
		if err != nil {
			return daySelection{}, err
		}
		kept := targets[:0]
		for i, target := range targets {
			if !audited[ids[i]] {
				kept = append(kept, target)
			}
		}
		targets = kept
	}

	if payload.MaxFiches > 0 && len(targets) > payload.MaxFiches {
		targets = targets[:payload.MaxFiches]
	}
	return daySelection{Targets: targets}, nil
}
