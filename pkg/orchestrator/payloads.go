package orchestrator

import (
	"fmt"

	"github.com/qualivox/callaudit/pkg/models"
)

// Bus events owned by the run orchestrator.
const (
	// EventAutomationRun triggers one run of a schedule.
	EventAutomationRun = "automation/run"
	// EventAutomationCompleted is the terminal ledger event for a
	// successful or partial run. No function consumes it; it exists for
	// the bus_events audit trail and external taps.
	EventAutomationCompleted = "automation/completed"
	// EventAutomationFailed is the terminal ledger event for a failed run.
	EventAutomationFailed = "automation/failed"
)

// RunFunction is the workflow function executing one run.
const RunFunction = "automation-run"

// Day- and fiche-level worker functions invoked by the orchestrator.
const (
	DayWorkerFunction   = "automation-day-worker"
	FicheWorkerFunction = "automation-fiche-worker"
)

// RunPayload is the automation/run event body.
type RunPayload struct {
	ScheduleID string `json:"schedule_id"`
	// DueAt is the resolved fire time (RFC3339); empty for manual
	// triggers.
	DueAt string `json:"due_at,omitempty"`
	// OverrideFicheSelection replaces the schedule's fiche id list for
	// this run only (manual trigger endpoint).
	OverrideFicheSelection []string `json:"override_fiche_selection,omitempty"`
}

// TerminalPayload is the body of the terminal ledger events.
type TerminalPayload struct {
	RunID      string `json:"run_id"`
	ScheduleID string `json:"schedule_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Deterministic id builders. Identical inputs always yield identical
// ids, which is what lets replays and concurrent replicas dedupe at the
// bus and the job table.

// RunEventID identifies one (schedule, dueAt) dispatch.
func RunEventID(scheduleID int64, dueAtMs int64) string {
	return fmt.Sprintf("automation-schedule-%d-%d", scheduleID, dueAtMs)
}

// ManualRunEventID identifies one manual trigger.
func ManualRunEventID(scheduleID int64, nowMs int64) string {
	return fmt.Sprintf("automation-schedule-%d-manual-%d", scheduleID, nowMs)
}

// DayJobID identifies one day worker within a run.
func DayJobID(runID int64, date string) string {
	// date is DD/MM/YYYY; ids use dashes.
	return fmt.Sprintf("automation-%d-day-%s", runID, dashedDate(date))
}

// FicheJobID identifies one fiche worker within a run.
func FicheJobID(runID, ficheID int64) string {
	return fmt.Sprintf("automation-%d-fiche-%d", runID, ficheID)
}

// FetchJobID identifies one legacy-path detail fetch within a run.
func FetchJobID(runID, ficheID int64) string {
	return fmt.Sprintf("automation-%d-fetch-%d", runID, ficheID)
}

// TranscribeJobID identifies one transcription dispatch within a run.
func TranscribeJobID(runID, ficheID int64) string {
	return fmt.Sprintf("automation-%d-transcribe-%d", runID, ficheID)
}

// AuditJobID identifies one audit dispatch within a run.
func AuditJobID(runID, ficheID, configID int64) string {
	return fmt.Sprintf("automation-%d-audit-%d-%d", runID, ficheID, configID)
}

// RetryID suffixes a deterministic id for the nth retry wave.
func RetryID(id string, wave int) string {
	return fmt.Sprintf("%s-retry-%d", id, wave)
}

// RunJobKey is the realtime job_id key carried by automation.run.*
// events.
func RunJobKey(runID int64) string {
	return "automation-run-" + models.FormatID(runID)
}

func dashedDate(date string) string {
	out := []byte(date)
	for i, c := range out {
		if c == '/' {
			out[i] = '-'
		}
	}
	return string(out)
}
