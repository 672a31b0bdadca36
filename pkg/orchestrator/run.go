package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qualivox/callaudit/pkg/events"
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// crmWaveSize and crmWaveDelay pace the upfront sales-list revalidation.
const (
	crmWaveSize  = 2
	crmWaveDelay = time.Second
)

// runPlan is the effective run configuration, resolved once from the
// schedule and memoized. Later edits to the schedule row cannot change a
// run mid-flight.
type runPlan struct {
	ScheduleID   string               `json:"schedule_id"`
	ScheduleName string               `json:"schedule_name"`
	Timezone     string               `json:"timezone"`
	DueAt        string               `json:"due_at,omitempty"`
	Selection    models.SelectionSpec `json:"selection"`
	Stages       models.StageFlags    `json:"stages"`
	Policy       models.FailurePolicy `json:"policy"`
	Notify       models.NotificationSettings `json:"notify"`
	// AuditConfigIDs is the effective config set: the schedule's specific
	// configs unioned with the automatic ones, deduped and sorted.
	AuditConfigIDs []string `json:"audit_config_ids,omitempty"`
}

// primaryAuditConfigID returns the config the per-fiche pipeline audits
// against; remaining configs only run on the legacy fan-out path.
func (p runPlan) primaryAuditConfigID() string {
	if len(p.AuditConfigIDs) == 0 {
		return ""
	}
	return p.AuditConfigIDs[0]
}

// createdRun is the memoized identity of the Run row.
type createdRun struct {
	RunID      string `json:"run_id"`
	ScheduleID string `json:"schedule_id"`
}

// finalizeResult is the memoized terminal accounting used by the notify
// step.
type finalizeResult struct {
	Status            string                `json:"status"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalFiches       int                   `json:"total_fiches"`
	SuccessfulFiches  int                   `json:"successful_fiches"`
	FailedFiches      int                   `json:"failed_fiches"`
	IgnoredFiches     int                   `json:"ignored_fiches"`
	TranscriptionsRun int                   `json:"transcriptions_run"`
	AuditsRun         int                   `json:"audits_run"`
	Failures          []models.FicheFailure `json:"failures,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
}

// runHandler executes one automation run end to end: resolve the plan,
// create the Run row, build and execute the work set, finalize, notify.
func runHandler(deps Deps) workflow.HandlerFunc {
	return func(ctx *workflow.Context) (any, error) {
		var payload RunPayload
		if err := ctx.Payload(&payload); err != nil {
			return nil, err
		}

		var plan runPlan
		err := ctx.Run("load-schedule", func(stepCtx context.Context) (any, error) {
			return loadPlan(stepCtx, deps, payload)
		}, &plan)
		if err != nil {
			return nil, err
		}

		var created createdRun
		err = ctx.Run("create-run", func(stepCtx context.Context) (any, error) {
			return createRun(stepCtx, deps, plan)
		}, &created)
		if err != nil {
			return nil, err
		}
		runID, err := models.ParseID(created.RunID)
		if err != nil {
			return nil, workflow.NonRetriable(err)
		}
		rlog := newRunLogger(runID, deps.Store.RunLogs, deps.Sanitizer,
			deps.Automation.DebugLogDir, deps.Automation.DebugLogToFile)

		var acc *outcomeAccumulator
		switch {
		case plan.Selection.Mode == models.SelectionModeManual:
			acc, err = runManualPath(ctx, deps, plan, runID, rlog)
		case deps.Automation.LegacyFanout:
			acc, err = runLegacyPath(ctx, deps, plan, runID, rlog)
		default:
			acc, err = runDayPath(ctx, deps, plan, runID, rlog)
		}
		if err != nil {
			return nil, err
		}

		var final finalizeResult
		err = ctx.Run("finalize", func(stepCtx context.Context) (any, error) {
			return finalizeRun(stepCtx, deps, plan, created, acc, rlog)
		}, &final)
		if err != nil {
			return nil, err
		}

		if err := sendTerminalEvent(ctx, created, final); err != nil {
			return nil, err
		}

		err = ctx.Run("notify", func(stepCtx context.Context) (any, error) {
			notifyRunFinished(stepCtx, deps, plan, runID, final)
			return nil, nil
		}, nil)
		if err != nil {
			return nil, err
		}
		return final, nil
	}
}

// loadPlan resolves and canonicalizes the run's effective configuration.
// Missing or inactive schedules are config errors: fail, never retry.
func loadPlan(ctx context.Context, deps Deps, payload RunPayload) (runPlan, error) {
	scheduleID, err := models.ParseID(payload.ScheduleID)
	if err != nil {
		return runPlan{}, configErrorf("invalid schedule id %q", payload.ScheduleID)
	}
	schedule, err := deps.Store.Schedules.Get(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return runPlan{}, configErrorf("schedule %d not found", scheduleID)
		}
		return runPlan{}, err
	}
	if !schedule.IsActive {
		return runPlan{}, configErrorf("schedule %d is inactive", scheduleID)
	}

	selection, err := canonicalizeSelection(schedule.Selection, payload.OverrideFicheSelection, time.Now())
	if err != nil {
		return runPlan{}, err
	}

	configIDs, err := effectiveAuditConfigIDs(ctx, deps, schedule.StageFlags)
	if err != nil {
		return runPlan{}, err
	}

	return runPlan{
		ScheduleID:     payload.ScheduleID,
		ScheduleName:   schedule.Name,
		Timezone:       schedule.Timezone,
		DueAt:          payload.DueAt,
		Selection:      selection,
		Stages:         schedule.StageFlags,
		Policy:         schedule.FailurePolicy,
		Notify:         schedule.Notifications,
		AuditConfigIDs: configIDs,
	}, nil
}

// effectiveAuditConfigIDs unions the schedule's specific configs with
// the automatic ones when enabled, deduped and sorted numerically.
func effectiveAuditConfigIDs(ctx context.Context, deps Deps, flags models.StageFlags) ([]string, error) {
	if !flags.RunAudits {
		return nil, nil
	}
	seen := map[int64]bool{}
	var ids []int64
	for _, raw := range flags.SpecificAuditConfigIDs {
		id, err := models.ParseID(raw)
		if err != nil {
			return nil, configErrorf("invalid audit config id %q", raw)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if flags.UseAutomaticAudits {
		automatic, err := deps.Store.AuditConfigs.ListAutomaticIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range automatic {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = models.FormatID(id)
	}
	return out, nil
}

// createRun inserts the Run row, stamps the schedule, and announces the
// start over the realtime channel.
func createRun(ctx context.Context, deps Deps, plan runPlan) (createdRun, error) {
	scheduleID, err := models.ParseID(plan.ScheduleID)
	if err != nil {
		return createdRun{}, workflow.NonRetriable(err)
	}
	snapshot, err := json.Marshal(plan)
	if err != nil {
		return createdRun{}, fmt.Errorf("failed to snapshot run plan: %w", err)
	}
	run, err := deps.Store.Runs.Create(ctx, scheduleID, snapshot)
	if err != nil {
		return createdRun{}, err
	}

	triggeredAt := time.Now()
	if plan.DueAt != "" {
		if due, parseErr := time.Parse(time.RFC3339, plan.DueAt); parseErr == nil {
			triggeredAt = due
		}
	}
	if err := deps.Store.Schedules.MarkTriggered(ctx, scheduleID, triggeredAt); err != nil {
		return createdRun{}, err
	}

	runID := models.FormatID(run.ID)
	if err := deps.Publisher.PublishRunStarted(ctx, events.RunStartedPayload{
		BasePayload:  basePayload(events.EventTypeRunStarted, runID),
		ScheduleID:   plan.ScheduleID,
		ScheduleName: plan.ScheduleName,
		DueAt:        plan.DueAt,
	}); err != nil {
		slog.Warn("Failed to publish run started event", "run_id", runID, "error", err)
	}
	return createdRun{RunID: runID, ScheduleID: plan.ScheduleID}, nil
}

// runManualPath executes an explicit fiche list: no CRM selection, just
// fiche workers in bounded batches.
func runManualPath(ctx *workflow.Context, deps Deps, plan runPlan, runID int64, rlog *RunLogger) (*outcomeAccumulator, error) {
	acc := newOutcomeAccumulator()

	parsed, invalid := parseFicheIDs(plan.Selection.FicheIDs)
	for _, id := range invalid {
		acc.addIgnored(id, "Invalid fiche id")
	}
	parsed = capFiches(parsed, plan.Selection.MaxFiches)

	err := ctx.Run("publish-selection", func(stepCtx context.Context) (any, error) {
		rlog.Info(stepCtx, fmt.Sprintf("Manual selection resolved: %d fiches", len(parsed)),
			models.Metadata{"total": len(parsed), "invalid": len(invalid)})
		publishSelection(stepCtx, deps, runID, len(parsed), len(invalid), nil)
		return nil, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := invokeFicheBatches(ctx, deps, plan, runID, parsed, nil, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// runDayPath executes the default multi-level architecture: resolve the
// date list, revalidate the sales lists, then one day worker per date.
func runDayPath(ctx *workflow.Context, deps Deps, plan runPlan, runID int64, rlog *RunLogger) (*outcomeAccumulator, error) {
	dates, err := resolveRunDates(ctx, plan)
	if err != nil {
		return nil, err
	}

	err = ctx.Run("publish-selection", func(stepCtx context.Context) (any, error) {
		labels := make([]string, len(dates))
		for i, d := range dates {
			labels[i] = formatDayLabel(d)
		}
		rlog.Info(stepCtx, fmt.Sprintf("Date selection resolved: %d days", len(dates)),
			models.Metadata{"dates": labels})
		publishSelection(stepCtx, deps, runID, 0, 0, labels)
		return nil, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return newOutcomeAccumulator(), nil
	}

	if err := revalidateSalesLists(ctx, deps, plan, dates, rlog); err != nil {
		return nil, err
	}

	acc := newOutcomeAccumulator()
	scheduleID := plan.ScheduleID
	maxFiches := 0
	if plan.Selection.MaxFiches != nil {
		maxFiches = *plan.Selection.MaxFiches
	}

	batchSize := deps.Automation.DayConcurrency
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(dates); start += batchSize {
		batch := dates[start:min(start+batchSize, len(dates))]

		calls := make([]workflow.InvokeCall, len(batch))
		for i, date := range batch {
			calls[i] = workflow.InvokeCall{
				ID:       DayJobID(runID, date),
				Function: DayWorkerFunction,
				Payload: DayPayload{
					RunID:                 models.FormatID(runID),
					ScheduleID:            scheduleID,
					Date:                  date,
					AuditConfigID:         plan.primaryAuditConfigID(),
					Groupes:               plan.Selection.Groupes,
					OnlyWithRecordings:    plan.Selection.OnlyWithRecordings,
					OnlyUnaudited:         plan.Selection.OnlyUnaudited,
					UseRlm:                plan.Selection.UseRlm,
					MaxFiches:             maxFiches,
					MaxRecordings:         effectiveMaxRecordings(plan.Selection, deps.Automation),
					RunTranscription:      plan.Stages.RunTranscription,
					SkipIfTranscribed:     plan.Stages.SkipIfTranscribed,
					TranscriptionPriority: string(plan.Stages.TranscriptionPriority),
					RunAudits:             plan.Stages.RunAudits && plan.primaryAuditConfigID() != "",
					ContinueOnError:       plan.Policy.ContinueOnError,
				},
			}
		}

		results, err := ctx.InvokeAll(calls)
		if err != nil {
			return nil, err
		}
		stopped := foldDayResults(ctx, plan, batch, results, acc, rlog)

		daysDone := min(start+batchSize, len(dates))
		err = ctx.Run(fmt.Sprintf("publish-day-progress-%d", start/batchSize), func(stepCtx context.Context) (any, error) {
			publishProgress(stepCtx, deps, runID, "pipeline", "", daysDone, len(dates))
			return nil, nil
		}, nil)
		if err != nil {
			return nil, err
		}
		if stopped {
			rlog.Warn(ctx, "Stopping day dispatch after day failure",
				models.Metadata{"error": acc.RunError, "days_dispatched": daysDone, "days_total": len(dates)})
			break
		}
	}
	return acc, nil
}

// foldDayResults merges one batch of day worker results into the
// accumulator. With continueOnError disabled, a failed day stamps the
// run error and reports stop: no further batches are dispatched, but the
// outcomes already gathered travel into the finalize step.
func foldDayResults(ctx context.Context, plan runPlan, batch []string, results []workflow.InvokeResult, acc *outcomeAccumulator, rlog *RunLogger) (stop bool) {
	for i, res := range results {
		var day DayOutcome
		if decodeErr := res.Decode(&day); decodeErr != nil {
			rlog.Error(ctx, fmt.Sprintf("Day %s failed", batch[i]),
				models.Metadata{"date": batch[i], "error": decodeErr.Error()})
			if !plan.Policy.ContinueOnError {
				acc.failRun(fmt.Sprintf("day %s failed: %s", batch[i], decodeErr.Error()))
				stop = true
			}
			continue
		}
		if day.Error != "" {
			rlog.Error(ctx, fmt.Sprintf("Day %s failed: %s", batch[i], day.Error),
				models.Metadata{"date": batch[i], "error": day.Error})
		}
		acc.merge(day.Successful, day.Failed, day.Ignored, day.Transcriptions, day.Audits)
	}
	return stop
}

// resolveRunDates memoizes the date resolution, pinning "now" to the
// first execution.
func resolveRunDates(ctx *workflow.Context, plan runPlan) ([]string, error) {
	var dates []string
	err := ctx.Run("resolve-dates", func(context.Context) (any, error) {
		loc, locErr := time.LoadLocation(plan.Timezone)
		if locErr != nil {
			return nil, configErrorf("invalid timezone %q", plan.Timezone)
		}
		return resolveDates(plan.Selection, loc, time.Now())
	}, &dates)
	return dates, err
}

// revalidateSalesLists refreshes the sales-list cache upfront, two dates
// per wave with a pacing delay. Failures are logged, not fatal: the day
// workers fetch authoritatively afterwards.
func revalidateSalesLists(ctx *workflow.Context, deps Deps, plan runPlan, dates []string, rlog *RunLogger) error {
	for wave := 0; wave*crmWaveSize < len(dates); wave++ {
		batch := dates[wave*crmWaveSize : min((wave+1)*crmWaveSize, len(dates))]
		lastWave := (wave+1)*crmWaveSize >= len(dates)

		err := ctx.Run(fmt.Sprintf("revalidate-wave-%d", wave), func(stepCtx context.Context) (any, error) {
			var wg sync.WaitGroup
			for _, date := range batch {
				wg.Add(1)
				go func(date string) {
					defer wg.Done()
					if _, err := fetchDaySelection(stepCtx, deps, DayPayload{Date: date, ContinueOnError: true}); err != nil {
						rlog.Warn(stepCtx, fmt.Sprintf("Sales list revalidation failed for %s", date),
							models.Metadata{"date": date, "error": err.Error()})
					}
				}(date)
			}
			wg.Wait()
			if !lastWave {
				time.Sleep(crmWaveDelay)
			}
			return nil, nil
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// invokeFicheBatches fans out fiche workers over explicit ids in bounded
// batches, folding results into the accumulator. cles optionally maps
// fiche id to its CRM key.
func invokeFicheBatches(ctx *workflow.Context, deps Deps, plan runPlan, runID int64, ids []int64, cles map[int64]string, acc *outcomeAccumulator) error {
	batchSize := deps.Automation.FicheBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(ids); start += batchSize {
		batch := ids[start:min(start+batchSize, len(ids))]

		calls := make([]workflow.InvokeCall, len(batch))
		for i, ficheID := range batch {
			calls[i] = workflow.InvokeCall{
				ID:       FicheJobID(runID, ficheID),
				Function: FicheWorkerFunction,
				Payload: FichePayload{
					RunID:                 models.FormatID(runID),
					ScheduleID:            plan.ScheduleID,
					FicheID:               models.FormatID(ficheID),
					Cle:                   cles[ficheID],
					Groupes:               plan.Selection.Groupes,
					OnlyWithRecordings:    plan.Selection.OnlyWithRecordings,
					MaxRecordings:         effectiveMaxRecordings(plan.Selection, deps.Automation),
					RunTranscription:      plan.Stages.RunTranscription,
					SkipIfTranscribed:     plan.Stages.SkipIfTranscribed,
					TranscriptionPriority: string(plan.Stages.TranscriptionPriority),
					RunAudits:             plan.Stages.RunAudits && plan.primaryAuditConfigID() != "",
					AuditConfigID:         plan.primaryAuditConfigID(),
					UseRlm:                plan.Selection.UseRlm,
				},
			}
		}

		results, err := ctx.InvokeAll(calls)
		if err != nil {
			return err
		}
		for i, res := range results {
			acc.addInvokeResult(models.FormatID(batch[i]), res)
		}
	}
	return nil
}

// finalizeRun writes the terminal Run state and publishes the terminal
// realtime event. An already-finalized run (replay, concurrent stale
// reconciliation) degrades to reading the stored row.
func finalizeRun(ctx context.Context, deps Deps, plan runPlan, created createdRun, acc *outcomeAccumulator, rlog *RunLogger) (finalizeResult, error) {
	runID, err := models.ParseID(created.RunID)
	if err != nil {
		return finalizeResult{}, workflow.NonRetriable(err)
	}
	scheduleID, err := models.ParseID(created.ScheduleID)
	if err != nil {
		return finalizeResult{}, workflow.NonRetriable(err)
	}

	// The legacy path counts audits through the Audit rows bound to the
	// run; the day path counted completed invocations, which is the same
	// set, so the row count is authoritative on both.
	auditsRun := acc.Audits
	if count, countErr := deps.Store.Audits.CompletedCountForRun(ctx, runID); countErr == nil {
		auditsRun = count
	}

	status := runStatusFor(len(acc.Successful), len(acc.Failed))
	var errorMessage *string
	switch {
	case acc.RunError != "":
		// A day-level failure with continueOnError disabled: the run is
		// failed regardless of how many fiches made it through first.
		status = models.RunStatusFailed
		msg := deps.Sanitizer.String(acc.RunError)
		errorMessage = &msg
	case status != models.RunStatusCompleted && len(acc.Failed) > 0:
		msg := deps.Sanitizer.String(acc.Failed[0].Error)
		errorMessage = &msg
	}

	run, err := deps.Store.Runs.Finalize(ctx, runID, scheduleID, store.FinalizeParams{
		Status:            status,
		ErrorMessage:      errorMessage,
		TotalFiches:       len(acc.Successful) + len(acc.Failed) + len(acc.Ignored),
		SuccessfulFiches:  len(acc.Successful),
		FailedFiches:      len(acc.Failed),
		IgnoredFiches:     len(acc.Ignored),
		TranscriptionsRun: acc.Transcriptions,
		AuditsRun:         auditsRun,
		Summary:           acc.summary(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already terminal (stale reconciliation won the race).
			run, err = deps.Store.Runs.Get(ctx, runID)
			if err != nil {
				return finalizeResult{}, err
			}
		} else {
			return finalizeResult{}, err
		}
	}

	final := finalizeResult{
		Status:            string(run.Status),
		TotalFiches:       run.TotalFiches,
		SuccessfulFiches:  run.SuccessfulFiches,
		FailedFiches:      run.FailedFiches,
		IgnoredFiches:     run.IgnoredFiches,
		TranscriptionsRun: run.TranscriptionsRun,
		AuditsRun:         run.AuditsRun,
		Failures:          acc.Failed,
	}
	if run.DurationMs != nil {
		final.DurationSeconds = float64(*run.DurationMs) / 1000
	}
	if run.ErrorMessage != nil {
		final.ErrorMessage = *run.ErrorMessage
	}

	rlog.Info(ctx, fmt.Sprintf("Run finished: %s", final.Status), models.Metadata{
		"status":     final.Status,
		"total":      final.TotalFiches,
		"successful": final.SuccessfulFiches,
		"failed":     final.FailedFiches,
		"ignored":    final.IgnoredFiches,
	})
	publishTerminal(ctx, deps, created.RunID, final)
	return final, nil
}

// sendTerminalEvent puts the terminal ledger event on the bus.
func sendTerminalEvent(ctx *workflow.Context, created createdRun, final finalizeResult) error {
	name := EventAutomationCompleted
	if final.Status == string(models.RunStatusFailed) {
		name = EventAutomationFailed
	}
	return ctx.SendEvent("terminal-event", workflow.Event{
		ID:   fmt.Sprintf("automation-%s-terminal", created.RunID),
		Name: name,
		Data: TerminalPayload{
			RunID:      created.RunID,
			ScheduleID: created.ScheduleID,
			Status:     final.Status,
			Error:      final.ErrorMessage,
		},
	})
}

// notifyRunFinished routes the terminal summary to the notifier when the
// schedule's settings ask for it. Fail-open by contract.
func notifyRunFinished(ctx context.Context, deps Deps, plan runPlan, runID int64, final finalizeResult) {
	if deps.Notifier == nil {
		return
	}
	completed := final.Status == string(models.RunStatusCompleted)
	if completed && !plan.Notify.NotifyOnComplete {
		return
	}
	if !completed && !plan.Notify.NotifyOnError {
		return
	}
	scheduleID, err := models.ParseID(plan.ScheduleID)
	if err != nil {
		return
	}
	deps.Notifier.RunFinished(ctx, RunNotification{
		ScheduleID:        scheduleID,
		ScheduleName:      plan.ScheduleName,
		RunID:             runID,
		Status:            models.RunStatus(final.Status),
		DurationSeconds:   final.DurationSeconds,
		TotalFiches:       final.TotalFiches,
		SuccessfulFiches:  final.SuccessfulFiches,
		FailedFiches:      final.FailedFiches,
		IgnoredFiches:     final.IgnoredFiches,
		TranscriptionsRun: final.TranscriptionsRun,
		AuditsRun:         final.AuditsRun,
		Failures:          final.Failures,
		ErrorMessage:      final.ErrorMessage,
		Settings:          plan.Notify,
	})
}

// runFailureHook finalizes the Run as failed when the job exhausts its
// attempts. Without a memoized create-run step there is nothing to
// finalize: the run never started.
func runFailureHook(deps Deps) workflow.FailureHandler {
	return func(ctx context.Context, job *workflow.Job, jobErr error) {
		logger := slog.Default().With("component", "automation-run", "job_id", job.ID)

		raw, ok, err := deps.Workflow.StepResult(ctx, job.ID, "create-run")
		if err != nil {
			logger.Error("Failed to load create-run checkpoint in failure hook", "error", err)
			return
		}
		if !ok {
			logger.Warn("Run job failed before creating a run", "error", jobErr)
			return
		}
		var created createdRun
		if err := json.Unmarshal(raw, &created); err != nil {
			logger.Error("Corrupt create-run checkpoint in failure hook", "error", err)
			return
		}
		runID, err := models.ParseID(created.RunID)
		if err != nil {
			return
		}
		scheduleID, err := models.ParseID(created.ScheduleID)
		if err != nil {
			return
		}

		errMsg := deps.Sanitizer.String(jobErr.Error())
		_, err = deps.Store.Runs.Finalize(ctx, runID, scheduleID, store.FinalizeParams{
			Status:       models.RunStatusFailed,
			ErrorMessage: &errMsg,
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return // already terminal
			}
			logger.Error("Failed to finalize run in failure hook", "run_id", created.RunID, "error", err)
			return
		}

		publishTerminal(ctx, deps, created.RunID, finalizeResult{
			Status:       string(models.RunStatusFailed),
			ErrorMessage: errMsg,
		})
		if _, sendErr := deps.Workflow.Send(ctx, workflow.Event{
			ID:   fmt.Sprintf("automation-%s-terminal", created.RunID),
			Name: EventAutomationFailed,
			Data: TerminalPayload{
				RunID:      created.RunID,
				ScheduleID: created.ScheduleID,
				Status:     string(models.RunStatusFailed),
				Error:      errMsg,
			},
		}); sendErr != nil {
			logger.Error("Failed to send terminal event in failure hook", "error", sendErr)
		}

		if schedule, loadErr := deps.Store.Schedules.Get(ctx, scheduleID); loadErr == nil {
			notifyRunFinished(ctx, deps, runPlan{
				ScheduleID:   created.ScheduleID,
				ScheduleName: schedule.Name,
				Notify:       schedule.Notifications,
			}, runID, finalizeResult{
				Status:       string(models.RunStatusFailed),
				ErrorMessage: errMsg,
			})
		}
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Realtime helpers
// ────────────────────────────────────────────────────────────────────────────

func basePayload(eventType, runID string) events.BasePayload {
	return events.BasePayload{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func publishSelection(ctx context.Context, deps Deps, runID int64, total, ignored int, dates []string) {
	id := models.FormatID(runID)
	if err := deps.Publisher.PublishRunSelection(ctx, events.RunSelectionPayload{
		BasePayload:   basePayload(events.EventTypeRunSelection, id),
		TotalFiches:   total,
		IgnoredFiches: ignored,
		Dates:         dates,
	}); err != nil {
		slog.Warn("Failed to publish run selection event", "run_id", id, "error", err)
	}
}

func publishProgress(ctx context.Context, deps Deps, runID int64, stage, day string, completed, total int) {
	id := models.FormatID(runID)
	if err := deps.Publisher.PublishRunProgress(ctx, events.RunProgressPayload{
		BasePayload: basePayload(events.EventTypeRunProgress, id),
		Stage:       stage,
		Day:         day,
		Completed:   completed,
		Total:       total,
	}); err != nil {
		slog.Warn("Failed to publish run progress event", "run_id", id, "error", err)
	}
}

func publishTerminal(ctx context.Context, deps Deps, runID string, final finalizeResult) {
	if final.Status == string(models.RunStatusFailed) {
		if err := deps.Publisher.PublishRunFailed(ctx, events.RunFailedPayload{
			BasePayload:  basePayload(events.EventTypeRunFailed, runID),
			ErrorMessage: final.ErrorMessage,
		}); err != nil {
			slog.Warn("Failed to publish run failed event", "run_id", runID, "error", err)
		}
		return
	}
	if err := deps.Publisher.PublishRunCompleted(ctx, events.RunCompletedPayload{
		BasePayload:       basePayload(events.EventTypeRunCompleted, runID),
		Status:            final.Status,
		TotalFiches:       final.TotalFiches,
		SuccessfulFiches:  final.SuccessfulFiches,
		FailedFiches:      final.FailedFiches,
		IgnoredFiches:     final.IgnoredFiches,
		TranscriptionsRun: final.TranscriptionsRun,
		AuditsRun:         final.AuditsRun,
		DurationSeconds:   final.DurationSeconds,
	}); err != nil {
		slog.Warn("Failed to publish run completed event", "run_id", runID, "error", err)
	}
}
