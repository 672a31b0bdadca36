package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/qualivox/callaudit/pkg/engine"
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// Leftover messages stamped on fiches a gate gave up on.
const (
	msgDetailsIncomplete       = "Fiche details incomplete (timeout/stall)"
	msgTranscriptionIncomplete = "Transcription incomplete (timeout/stall)"
	msgAuditIncomplete         = "Audit incomplete (timeout/stall)"
)

// stallPolls is how many consecutive no-progress polls count as a stall.
const stallPolls = 3

// gate describes one DB-polling join barrier. The check callback reports
// per-fiche readiness; retry builds the event wave resent to stalled
// fiches.
type gate struct {
	name       string
	interval   time.Duration
	maxWait    time.Duration
	retryWaves int
	check      func(ctx context.Context, pending []int64) (map[int64]bool, error)
	retry      func(pending []int64, wave int) []workflow.Event
}

// gatePoll is the memoized result of one poll: the fiches that became
// ready since the previous poll. Ids travel as strings.
type gatePoll struct {
	Ready []string `json:"ready,omitempty"`
}

// pollGate drives a gate to completion with durable poll/sleep steps.
// Progress is measured per poll; three silent polls trigger a retry wave
// while the budget lasts, then the gate gives up and returns the
// leftovers. All loop state replays deterministically from the memoized
// poll steps.
func pollGate(ctx *workflow.Context, g gate, targets []int64) (done, pending []int64, err error) {
	pending = append([]int64(nil), targets...)
	if len(pending) == 0 {
		return nil, nil, nil
	}
	interval := g.interval
	if interval <= 0 {
		interval = time.Second
	}
	maxPolls := int(g.maxWait / interval)
	if maxPolls < 1 {
		maxPolls = 1
	}

	unchanged := 0
	wave := 0
	for poll := 0; ; poll++ {
		remaining := pending
		var snap gatePoll
		err := ctx.Run(fmt.Sprintf("%s-gate-poll-%d", g.name, poll), func(stepCtx context.Context) (any, error) {
			ready, checkErr := g.check(stepCtx, remaining)
			if checkErr != nil {
				return nil, checkErr
			}
			out := gatePoll{}
			for _, id := range remaining {
				if ready[id] {
					out.Ready = append(out.Ready, models.FormatID(id))
				}
			}
			return out, nil
		}, &snap)
		if err != nil {
			return done, pending, err
		}

		if len(snap.Ready) > 0 {
			readySet := make(map[int64]bool, len(snap.Ready))
			for _, raw := range snap.Ready {
				id, parseErr := models.ParseID(raw)
				if parseErr != nil {
					return done, pending, workflow.NonRetriable(parseErr)
				}
				readySet[id] = true
			}
			next := pending[:0]
			for _, id := range pending {
				if readySet[id] {
					done = append(done, id)
				} else {
					next = append(next, id)
				}
			}
			pending = next
			unchanged = 0
		} else {
			unchanged++
		}

		if len(pending) == 0 {
			return done, nil, nil
		}

		if unchanged >= stallPolls {
			if g.retry != nil && wave < g.retryWaves {
				wave++
				unchanged = 0
				if err := ctx.SendEvent(fmt.Sprintf("%s-retry-%d", g.name, wave), g.retry(pending, wave)...); err != nil {
					return done, pending, err
				}
			} else {
				return done, pending, nil // stalled
			}
		}
		if poll+1 >= maxPolls {
			return done, pending, nil // timed out
		}
		if err := ctx.Sleep(fmt.Sprintf("%s-gate-sleep-%d", g.name, poll), interval); err != nil {
			return done, pending, err
		}
	}
}

// legacyClassification is the memoized verdict after the details gate:
// which fiches proceed to the processing stages and which are ignored.
type legacyClassification struct {
	Proceed []string              `json:"proceed,omitempty"`
	Ignored []models.FicheIgnored `json:"ignored,omitempty"`
}

// runLegacyPath executes the flat fan-out architecture: select from the
// cache, blast fetch/transcribe/audit events, and wait on the DB gates
// between stages.
func runLegacyPath(ctx *workflow.Context, deps Deps, plan runPlan, runID int64, rlog *RunLogger) (*outcomeAccumulator, error) {
	dates, err := resolveRunDates(ctx, plan)
	if err != nil {
		return nil, err
	}
	if err := revalidateSalesLists(ctx, deps, plan, dates, rlog); err != nil {
		return nil, err
	}

	var targetIDs []string
	err = ctx.Run("legacy-selection", func(stepCtx context.Context) (any, error) {
		return selectLegacyTargets(stepCtx, deps, plan, dates)
	}, &targetIDs)
	if err != nil {
		return nil, err
	}

	err = ctx.Run("publish-selection", func(stepCtx context.Context) (any, error) {
		labels := make([]string, len(dates))
		for i, d := range dates {
			labels[i] = formatDayLabel(d)
		}
		rlog.Info(stepCtx, fmt.Sprintf("Cached selection resolved: %d fiches over %d days", len(targetIDs), len(dates)),
			models.Metadata{"total": len(targetIDs), "dates": labels})
		publishSelection(stepCtx, deps, runID, len(targetIDs), 0, labels)
		return nil, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	acc := newOutcomeAccumulator()
	targets, invalid := parseFicheIDs(targetIDs)
	for _, id := range invalid {
		acc.addIgnored(id, "Invalid fiche id")
	}
	if len(targets) == 0 {
		return acc, nil
	}
	runIDStr := models.FormatID(runID)

	// Stage 1: fiche details.
	fetchEvents := func(ids []int64, wave int) []workflow.Event {
		out := make([]workflow.Event, len(ids))
		for i, ficheID := range ids {
			id := FetchJobID(runID, ficheID)
			if wave > 0 {
				id = RetryID(id, wave)
			}
			out[i] = workflow.Event{
				ID:   id,
				Name: engine.EventFicheFetch,
				Data: engine.FetchPayload{RunID: runIDStr, FicheID: models.FormatID(ficheID)},
			}
		}
		return out
	}
	if err := ctx.SendEvent("dispatch-fetch", fetchEvents(targets, 0)...); err != nil {
		return nil, err
	}

	detailsDone, detailsPending, err := pollGate(ctx, gate{
		name:       "details",
		interval:   deps.Automation.FicheDetailsPollInterval,
		maxWait:    deps.Automation.FicheDetailsMaxWait,
		retryWaves: retryBudget(plan.Policy),
		check: func(stepCtx context.Context, pending []int64) (map[int64]bool, error) {
			states, checkErr := deps.Store.Fiches.DetailsStates(stepCtx, pending)
			if checkErr != nil {
				return nil, checkErr
			}
			ready := make(map[int64]bool, len(states))
			for id, st := range states {
				ready[id] = st.Ready()
			}
			return ready, nil
		},
		retry: fetchEvents,
	}, targets)
	if err != nil {
		return nil, err
	}
	for _, id := range detailsPending {
		acc.addFailure(models.FormatID(id), msgDetailsIncomplete)
	}

	var classified legacyClassification
	err = ctx.Run("classify-details", func(stepCtx context.Context) (any, error) {
		return classifyLegacyFiches(stepCtx, deps, plan, detailsDone)
	}, &classified)
	if err != nil {
		return nil, err
	}
	for _, ig := range classified.Ignored {
		acc.addIgnored(ig.FicheID, ig.Reason)
	}
	err = ctx.Run("publish-details-progress", func(stepCtx context.Context) (any, error) {
		publishProgress(stepCtx, deps, runID, "fiche_details", "", len(detailsDone), len(targets))
		return nil, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	proceed, _ := parseFicheIDs(classified.Proceed)

	// Stage 2: transcription.
	if plan.Stages.RunTranscription && len(proceed) > 0 {
		proceed, err = runLegacyTranscription(ctx, deps, plan, runID, proceed, acc)
		if err != nil {
			return nil, err
		}
	}

	// Stage 3: audits.
	if plan.Stages.RunAudits && len(plan.AuditConfigIDs) > 0 && len(proceed) > 0 {
		proceed, err = runLegacyAudits(ctx, deps, plan, runID, proceed, acc)
		if err != nil {
			return nil, err
		}
	}

	survivors := make([]string, len(proceed))
	for i, id := range proceed {
		survivors[i] = models.FormatID(id)
	}
	acc.merge(survivors, nil, nil, 0, 0)
	return acc, nil
}

// selectLegacyTargets reads the work set straight from the fiche cache.
func selectLegacyTargets(ctx context.Context, deps Deps, plan runPlan, dates []string) ([]string, error) {
	limit := 0
	if plan.Selection.MaxFiches != nil && *plan.Selection.MaxFiches > 0 {
		limit = *plan.Selection.MaxFiches
	}
	ids, err := deps.Store.Fiches.ListCachedFicheIDs(ctx, store.CachedSelection{
		Dates:              dates,
		Groupes:            plan.Selection.Groupes,
		OnlyWithRecordings: plan.Selection.OnlyWithRecordings,
		Limit:              limit,
	})
	if err != nil {
		return nil, err
	}
	if plan.Selection.OnlyUnaudited && len(ids) > 0 {
		audited, err := deps.Store.Audits.FichesWithCompletedAudit(ctx, ids)
		if err != nil {
			return nil, err
		}
		kept := ids[:0]
		for _, id := range ids {
			if !audited[id] {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = models.FormatID(id)
	}
	return out, nil
}

// classifyLegacyFiches splits gate-ready fiches into proceed and ignored
// using the authoritative full-details rows.
func classifyLegacyFiches(ctx context.Context, deps Deps, plan runPlan, ids []int64) (legacyClassification, error) {
	rows, err := deps.Store.Fiches.GetMany(ctx, ids)
	if err != nil {
		return legacyClassification{}, err
	}

	maxRecordings := effectiveMaxRecordings(plan.Selection, deps.Automation)
	var out legacyClassification
	for _, id := range ids {
		formatted := models.FormatID(id)
		row, ok := rows[id]
		if !ok || row.IsNotFound() {
			out.Ignored = append(out.Ignored, models.FicheIgnored{FicheID: formatted, Reason: models.ReasonNotFound})
			continue
		}
		recordings := 0
		if row.RecordingsCount != nil {
			recordings = *row.RecordingsCount
		}
		if len(plan.Selection.Groupes) > 0 && (row.Groupe == nil || !containsString(plan.Selection.Groupes, *row.Groupe)) {
			out.Ignored = append(out.Ignored, models.FicheIgnored{FicheID: formatted, Reason: models.ReasonGroupeNotSelected})
			continue
		}
		if recordings > maxRecordings {
			out.Ignored = append(out.Ignored, models.FicheIgnored{FicheID: formatted, Reason: models.ReasonTooManyRecordings})
			continue
		}
		if plan.Selection.OnlyWithRecordings && recordings == 0 {
			out.Ignored = append(out.Ignored, models.FicheIgnored{FicheID: formatted, Reason: models.ReasonNoRecordings})
			continue
		}
		out.Proceed = append(out.Proceed, formatted)
	}
	return out, nil
}

// legacyTranscriptionTargets is the memoized split of the transcription
// work set: fiches needing engine calls, fiches already complete, and
// fiches with nothing to transcribe.
type legacyTranscriptionTargets struct {
	Dispatch []string `json:"dispatch,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
	Empty    []string `json:"empty,omitempty"`
}

func runLegacyTranscription(ctx *workflow.Context, deps Deps, plan runPlan, runID int64, proceed []int64, acc *outcomeAccumulator) ([]int64, error) {
	runIDStr := models.FormatID(runID)

	var targets legacyTranscriptionTargets
	err := ctx.Run("transcription-targets", func(stepCtx context.Context) (any, error) {
		counts, countErr := deps.Store.Recordings.TranscriptionCounts(stepCtx, proceed)
		if countErr != nil {
			return nil, countErr
		}
		var out legacyTranscriptionTargets
		for _, id := range proceed {
			formatted := models.FormatID(id)
			count, ok := counts[id]
			switch {
			case !ok || count.Total == 0:
				out.Empty = append(out.Empty, formatted)
			case plan.Stages.SkipIfTranscribed && count.Complete():
				out.Skipped = append(out.Skipped, formatted)
			default:
				out.Dispatch = append(out.Dispatch, formatted)
			}
		}
		return out, nil
	}, &targets)
	if err != nil {
		return nil, err
	}

	dispatch, _ := parseFicheIDs(targets.Dispatch)
	transcribeEvents := func(ids []int64, wave int) []workflow.Event {
		out := make([]workflow.Event, len(ids))
		for i, ficheID := range ids {
			id := TranscribeJobID(runID, ficheID)
			if wave > 0 {
				id = RetryID(id, wave)
			}
			out[i] = workflow.Event{
				ID:   id,
				Name: engine.EventFicheTranscribe,
				Data: engine.TranscribePayload{
					RunID:    runIDStr,
					FicheID:  models.FormatID(ficheID),
					Priority: string(plan.Stages.TranscriptionPriority),
				},
			}
		}
		return out
	}
	if len(dispatch) > 0 {
		if err := ctx.SendEvent("dispatch-transcribe", transcribeEvents(dispatch, 0)...); err != nil {
			return nil, err
		}
	}

	done, pending, err := pollGate(ctx, gate{
		name:       "transcription",
		interval:   deps.Automation.TranscriptionPollInterval,
		maxWait:    deps.Automation.TranscriptionMaxWait,
		retryWaves: retryBudget(plan.Policy),
		check: func(stepCtx context.Context, pendingIDs []int64) (map[int64]bool, error) {
			counts, checkErr := deps.Store.Recordings.TranscriptionCounts(stepCtx, pendingIDs)
			if checkErr != nil {
				return nil, checkErr
			}
			ready := make(map[int64]bool, len(counts))
			for id, count := range counts {
				ready[id] = count.Complete()
			}
			return ready, nil
		},
		retry: transcribeEvents,
	}, dispatch)
	if err != nil {
		return nil, err
	}
	for _, id := range pending {
		acc.addFailure(models.FormatID(id), msgTranscriptionIncomplete)
	}
	acc.Transcriptions += len(done)

	err = ctx.Run("publish-transcription-progress", func(stepCtx context.Context) (any, error) {
		publishProgress(stepCtx, deps, runID, "transcription", "", len(done), len(dispatch))
		return nil, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	// Survivors: completed dispatches plus the skipped and empty sets.
	skipped, _ := parseFicheIDs(targets.Skipped)
	empty, _ := parseFicheIDs(targets.Empty)
	survivors := append(append(done, skipped...), empty...)
	return survivors, nil
}

func runLegacyAudits(ctx *workflow.Context, deps Deps, plan runPlan, runID int64, proceed []int64, acc *outcomeAccumulator) ([]int64, error) {
	runIDStr := models.FormatID(runID)
	configs, err := parseConfigIDs(plan.AuditConfigIDs)
	if err != nil {
		return nil, err
	}

	auditEvents := func(ids []int64, wave int) []workflow.Event {
		var out []workflow.Event
		for _, ficheID := range ids {
			for _, configID := range configs {
				id := AuditJobID(runID, ficheID, configID)
				if wave > 0 {
					id = RetryID(id, wave)
				}
				out = append(out, workflow.Event{
					ID:   id,
					Name: engine.EventAuditRun,
					Data: engine.AuditPayload{
						RunID:         runIDStr,
						FicheID:       models.FormatID(ficheID),
						AuditConfigID: models.FormatID(configID),
					},
				})
			}
		}
		return out
	}
	if err := ctx.SendEvent("dispatch-audit", auditEvents(proceed, 0)...); err != nil {
		return nil, err
	}

	done, pending, err := pollGate(ctx, gate{
		name:       "audit",
		interval:   deps.Automation.AuditPollInterval,
		maxWait:    deps.Automation.AuditMaxWait,
		retryWaves: retryBudget(plan.Policy),
		check: func(stepCtx context.Context, pendingIDs []int64) (map[int64]bool, error) {
			counts, checkErr := deps.Store.Audits.StatusCounts(stepCtx, runID, pendingIDs)
			if checkErr != nil {
				return nil, checkErr
			}
			ready := make(map[int64]bool, len(counts))
			for id, count := range counts {
				ready[id] = count.Terminal() >= len(configs)
			}
			return ready, nil
		},
		retry: auditEvents,
	}, proceed)
	if err != nil {
		return nil, err
	}
	for _, id := range pending {
		acc.addFailure(models.FormatID(id), msgAuditIncomplete)
	}

	err = ctx.Run("publish-audit-progress", func(stepCtx context.Context) (any, error) {
		publishProgress(stepCtx, deps, runID, "audit", "", len(done), len(proceed))
		return nil, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return done, nil
}

// retryBudget is the number of gate retry waves the policy allows.
func retryBudget(policy models.FailurePolicy) int {
	if !policy.RetryFailed {
		return 0
	}
	return policy.MaxRetries
}

func parseConfigIDs(raw []string) ([]int64, error) {
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := models.ParseID(r)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}
		out = append(out, id)
	}
	return out, nil
}
