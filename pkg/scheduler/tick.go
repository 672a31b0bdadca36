package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qualivox/callaudit/pkg/config"
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/orchestrator"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// TickFunction evaluates every active schedule once per scheduler fire.
const TickFunction = "automation-scheduler-tick"

// EventTick is the bus event produced by the cron service.
const EventTick = "automation/tick"

// tickFinishTimeout bounds one evaluation pass; a tick that cannot finish
// inside it is wedged, and the next minute's tick covers the window anyway.
const tickFinishTimeout = 10 * time.Minute

// TickPayload is the automation/tick event body.
type TickPayload struct {
	FiredAt string `json:"fired_at"`
}

// Deps are the collaborators of the tick function.
type Deps struct {
	Store      *store.Store
	Automation config.AutomationConfig
}

// Register installs the tick workflow function. Concurrency 1 serializes
// evaluation across replicas; Retries 0 because the next tick supersedes
// a failed one.
func Register(registry *workflow.Registry, deps Deps) {
	registry.MustRegister(&workflow.Function{
		Name:          TickFunction,
		Event:         EventTick,
		Concurrency:   1,
		Retries:       0,
		FinishTimeout: tickFinishTimeout,
		Handler:       tickHandler(deps),
	})
}

// dueDispatch is one schedule resolved as due in this tick.
type dueDispatch struct {
	ScheduleID int64     `json:"schedule_id"`
	DueAt      time.Time `json:"due_at"`
}

// tickHandler runs the dispatch protocol: evaluate every active schedule,
// send one run event per due fire, then mark each schedule triggered. The
// three phases are separate steps, so a crash between send and mark
// replays into the memoized due set and the deduplicating event ids
// rather than a second dispatch.
func tickHandler(deps Deps) workflow.HandlerFunc {
	return func(ctx *workflow.Context) (any, error) {
		var due []dueDispatch
		err := ctx.Run("evaluate", func(stepCtx context.Context) (any, error) {
			return evaluateSchedules(stepCtx, ctx, deps)
		}, &due)
		if err != nil {
			return nil, err
		}
		if len(due) == 0 {
			return map[string]int{"dispatched": 0}, nil
		}

		events := make([]workflow.Event, len(due))
		for i, d := range due {
			events[i] = workflow.Event{
				ID:   orchestrator.RunEventID(d.ScheduleID, d.DueAt.UnixMilli()),
				Name: orchestrator.EventAutomationRun,
				Data: orchestrator.RunPayload{
					ScheduleID: models.FormatID(d.ScheduleID),
					DueAt:      d.DueAt.Format(time.RFC3339),
				},
			}
		}
		if err := ctx.SendEvent("dispatch-due", events...); err != nil {
			return nil, err
		}

		err = ctx.Run("mark-triggered", func(stepCtx context.Context) (any, error) {
			for _, d := range due {
				if err := deps.Store.Schedules.MarkTriggered(stepCtx, d.ScheduleID, d.DueAt); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}, nil)
		if err != nil {
			return nil, err
		}
		return map[string]int{"dispatched": len(due)}, nil
	}
}

// evaluateSchedules walks the active schedules and collects the due set.
// A schedule that cannot be evaluated (bad cron, bad timezone, missing
// fields) is logged and skipped; it must never sink the whole tick.
func evaluateSchedules(ctx context.Context, wfCtx *workflow.Context, deps Deps) ([]dueDispatch, error) {
	now := time.Now()
	window := deps.Automation.Window()
	logger := wfCtx.Logger()

	schedules, err := deps.Store.Schedules.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var due []dueDispatch
	for i := range schedules {
		s := &schedules[i]
		if s.ScheduleType == models.ScheduleTypeManual {
			continue
		}

		running := s.LastRunStatus != nil && *s.LastRunStatus == models.LastRunStatusRunning
		if running {
			reconciled, err := reconcileStale(ctx, deps, s, now, logger)
			if err != nil {
				logger.Error("Stale run reconciliation failed", "schedule_id", s.ID, "error", err)
				continue
			}
			if !reconciled {
				// A run is genuinely in flight; one run per schedule at a time.
				continue
			}
		}

		if !s.RequiredFieldsPresent() {
			logger.Warn("Schedule missing required fields, skipping",
				"schedule_id", s.ID, "schedule_type", s.ScheduleType)
			continue
		}

		fire, ok, err := dueFire(s, now, window)
		if err != nil {
			logger.Warn("Schedule evaluation failed, skipping", "schedule_id", s.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		due = append(due, dueDispatch{ScheduleID: s.ID, DueAt: fire.UTC()})
	}
	return due, nil
}

// reconcileStale flips a schedule stuck in running back to failed once its
// run has been silent past the stale threshold. Returns true when the
// schedule is clear to fire again.
func reconcileStale(ctx context.Context, deps Deps, s *models.Schedule, now time.Time, logger *slog.Logger) (bool, error) {
	threshold := deps.Automation.StaleThreshold()
	if s.LastRunAt != nil && now.Sub(*s.LastRunAt) <= threshold {
		return false, nil
	}

	n, err := deps.Store.Runs.MarkStaleForSchedule(ctx, s.ID, now.Add(-threshold), staleReason(threshold))
	if err != nil {
		return false, err
	}
	if err := deps.Store.Schedules.SetLastRunStatus(ctx, s.ID, models.LastRunStatusFailed); err != nil {
		return false, err
	}
	if n > 0 {
		logger.Warn("Reconciled stale runs", "schedule_id", s.ID, "runs", n)
	}
	return true, nil
}

// staleReason is the error message stamped on reconciled runs.
func staleReason(threshold time.Duration) string {
	return fmt.Sprintf("Marked stale by scheduler after %dm", int(threshold.Minutes()))
}
