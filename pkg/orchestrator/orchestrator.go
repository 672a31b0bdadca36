// Package orchestrator implements the automation pipeline's workflow
// functions: the run orchestrator triggered by automation/run, the
// per-day worker, and the per-fiche worker. All three are durable-step
// handlers; everything between checkpoints must stay pure.
package orchestrator

import (
	"context"
	"time"

	"github.com/qualivox/callaudit/pkg/config"
	"github.com/qualivox/callaudit/pkg/crm"
	"github.com/qualivox/callaudit/pkg/engine"
	"github.com/qualivox/callaudit/pkg/events"
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/sanitize"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// RunNotification is the terminal summary handed to notification sinks.
type RunNotification struct {
	ScheduleID        int64
	ScheduleName      string
	RunID             int64
	Status            models.RunStatus
	DurationSeconds   float64
	TotalFiches       int
	SuccessfulFiches  int
	FailedFiches      int
	IgnoredFiches     int
	TranscriptionsRun int
	AuditsRun         int
	Failures          []models.FicheFailure
	ErrorMessage      string
	Settings          models.NotificationSettings
}

// Notifier delivers terminal run notifications. Implementations are
// fail-open: delivery problems are logged, never returned upward.
type Notifier interface {
	RunFinished(ctx context.Context, n RunNotification)
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Store      *store.Store
	CRM        *crm.Client
	Workflow   *workflow.Client
	Publisher  *events.Publisher
	Sanitizer  *sanitize.Sanitizer
	Notifier   Notifier
	Automation config.AutomationConfig
}

// engineDeps projects the subset shared with the engine workers.
func (d Deps) engineDeps() engine.Deps {
	auto := d.Automation
	return engine.Deps{Store: d.Store, CRM: d.CRM, Automation: &auto}
}

// Worker finish budgets below the run-level timeout.
const (
	dayFinishTimeout   = time.Hour
	ficheFinishTimeout = time.Hour
)

// Register installs the three pipeline functions.
func Register(registry *workflow.Registry, deps Deps) {
	registry.MustRegister(&workflow.Function{
		Name:          RunFunction,
		Event:         EventAutomationRun,
		Retries:       2,
		FinishTimeout: deps.Automation.FinishTimeout(),
		Handler:       runHandler(deps),
		OnFailure:     runFailureHook(deps),
	})
	registry.MustRegister(&workflow.Function{
		Name:          DayWorkerFunction,
		Concurrency:   deps.Automation.DayConcurrency,
		Retries:       0,
		FinishTimeout: dayFinishTimeout,
		Handler:       dayHandler(deps),
	})
	registry.MustRegister(&workflow.Function{
		Name:          FicheWorkerFunction,
		Concurrency:   deps.Automation.FicheConcurrency,
		Retries:       1,
		FinishTimeout: ficheFinishTimeout,
		Handler:       ficheHandler(deps),
	})
}
