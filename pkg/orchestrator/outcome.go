package orchestrator

import (
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// outcomeAccumulator folds per-fiche outcomes into the run summary.
// Every fiche lands in exactly one bucket; for failures the first error
// wins and later reports of the same fiche are dropped.
type outcomeAccumulator struct {
	Successful     []string
	Failed         []models.FicheFailure
	Ignored        []models.FicheIgnored
	Transcriptions int
	Audits         int

	// RunError, when set, forces the run to finalize as failed with this
	// message. The per-fiche buckets persist alongside it, so outcomes
	// gathered before the failure are never lost.
	RunError string

	seen map[string]bool
}

func newOutcomeAccumulator() *outcomeAccumulator {
	return &outcomeAccumulator{seen: map[string]bool{}}
}

// addOutcome records one fiche worker outcome.
func (a *outcomeAccumulator) addOutcome(o FicheOutcome) {
	if a.seen[o.FicheID] {
		return
	}
	a.seen[o.FicheID] = true

	switch o.Status {
	case FicheStatusSuccess:
		a.Successful = append(a.Successful, o.FicheID)
	case FicheStatusIgnored:
		a.Ignored = append(a.Ignored, models.FicheIgnored{FicheID: o.FicheID, Reason: o.Reason})
	default:
		a.Failed = append(a.Failed, models.FicheFailure{FicheID: o.FicheID, Error: o.Error})
	}
	if o.Transcribed > 0 {
		a.Transcriptions++
	}
	a.Audits += o.AuditsCompleted
}

// addFailure records a fiche that never produced an outcome.
func (a *outcomeAccumulator) addFailure(ficheID, errMsg string) {
	if a.seen[ficheID] {
		return
	}
	a.seen[ficheID] = true
	a.Failed = append(a.Failed, models.FicheFailure{FicheID: ficheID, Error: errMsg})
}

// failRun records a run-level failure. The first error wins.
func (a *outcomeAccumulator) failRun(msg string) {
	if a.RunError == "" {
		a.RunError = msg
	}
}

// addIgnored records a fiche skipped before any worker ran.
func (a *outcomeAccumulator) addIgnored(ficheID, reason string) {
	if a.seen[ficheID] {
		return
	}
	a.seen[ficheID] = true
	a.Ignored = append(a.Ignored, models.FicheIgnored{FicheID: ficheID, Reason: reason})
}

// addInvokeResult folds one fiche worker invoke result: a terminal child
// with a decodable outcome counts as that outcome, anything else as a
// failure of the fiche.
func (a *outcomeAccumulator) addInvokeResult(ficheID string, res workflow.InvokeResult) {
	var o FicheOutcome
	if err := res.Decode(&o); err != nil {
		a.addFailure(ficheID, err.Error())
		return
	}
	if o.FicheID == "" {
		o.FicheID = ficheID
	}
	a.addOutcome(o)
}

// merge folds another accumulator's buckets (a day worker's) into this one.
func (a *outcomeAccumulator) merge(successful []string, failed []models.FicheFailure, ignored []models.FicheIgnored, transcriptions, audits int) {
	for _, id := range successful {
		if a.seen[id] {
			continue
		}
		a.seen[id] = true
		a.Successful = append(a.Successful, id)
	}
	for _, f := range failed {
		a.addFailure(f.FicheID, f.Error)
	}
	for _, ig := range ignored {
		a.addIgnored(ig.FicheID, ig.Reason)
	}
	a.Transcriptions += transcriptions
	a.Audits += audits
}

// summary converts the buckets into the persisted result summary.
func (a *outcomeAccumulator) summary() models.ResultSummary {
	return models.ResultSummary{
		Successful: a.Successful,
		Failed:     a.Failed,
		Ignored:    a.Ignored,
	}
}

// runStatusFor derives the terminal run status: completed with zero
// failures (an all-ignored or empty run is a success), partial when
// successes and failures mix, failed when nothing succeeded.
func runStatusFor(successful, failed int) models.RunStatus {
	switch {
	case failed == 0:
		return models.RunStatusCompleted
	case successful > 0:
		return models.RunStatusPartial
	default:
		return models.RunStatusFailed
	}
}
