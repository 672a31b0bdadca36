// Package events provides real-time run event delivery via Server-Sent
// Events, with PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// Every automation.run.* event is persisted to the events table and then
// broadcast via pg_notify in the same transaction, so a pod that was not
// connected when the event fired can still serve it from the catchup
// query. NOTIFY payloads above PostgreSQL's 8000-byte limit are replaced
// by a truncation envelope carrying only routing fields; subscribers
// fetch the full payload from the database using db_event_id.
package events

// Persistent run event types (stored in DB + NOTIFY).
const (
	// EventTypeRunStarted fires when a Run record is created.
	EventTypeRunStarted = "automation.run.started"
	// EventTypeRunSelection fires after fiche selection, before dispatch.
	EventTypeRunSelection = "automation.run.selection"
	// EventTypeRunProgress fires as day and fiche stages advance.
	EventTypeRunProgress = "automation.run.progress"
	// EventTypeRunCompleted fires on terminal success or partial success.
	EventTypeRunCompleted = "automation.run.completed"
	// EventTypeRunFailed fires on terminal failure.
	EventTypeRunFailed = "automation.run.failed"
)

// GlobalRunsChannel carries every run's lifecycle events. The runs list
// page subscribes here for live status updates.
const GlobalRunsChannel = "automation:runs"

// RunChannel returns the channel scoped to one run's events.
// Format: "automation:run:{run_id}".
func RunChannel(runID string) string {
	return "automation:run:" + runID
}
