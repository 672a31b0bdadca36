package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an automation run.
// running → completed | partial | failed; stale reconciliation may force
// running → failed after the stale threshold.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartial || s == RunStatusFailed
}

// Run is one execution attempt of a schedule.
type Run struct {
	ID                int64           `db:"id" json:"id"`
	ScheduleID        int64           `db:"schedule_id" json:"scheduleId"`
	Status            RunStatus       `db:"status" json:"status"`
	StartedAt         time.Time       `db:"started_at" json:"startedAt"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
	DurationMs        *int64          `db:"duration_ms" json:"durationMs,omitempty"`
	TotalFiches       int             `db:"total_fiches" json:"totalFiches"`
	SuccessfulFiches  int             `db:"successful_fiches" json:"successfulFiches"`
	FailedFiches      int             `db:"failed_fiches" json:"failedFiches"`
	IgnoredFiches     int             `db:"ignored_fiches" json:"ignoredFiches"`
	TranscriptionsRun int             `db:"transcriptions_run" json:"transcriptionsRun"`
	AuditsRun         int             `db:"audits_run" json:"auditsRun"`
	ErrorMessage      *string         `db:"error_message" json:"errorMessage,omitempty"`
	ResultSummary     ResultSummary   `db:"result_summary" json:"resultSummary"`
	PayloadSnapshot   json.RawMessage `db:"payload_snapshot" json:"payloadSnapshot,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// FicheFailure records one failed fiche with its first error.
type FicheFailure struct {
	FicheID string `json:"ficheId"`
	Error   string `json:"error"`
}

// FicheIgnored records one skipped fiche with its reason.
type FicheIgnored struct {
	FicheID string `json:"ficheId"`
	Reason  string `json:"reason"`
}

// ResultSummary lists per-fiche outcomes attributed at finalize time.
// Fiche ids appear in exactly one list.
type ResultSummary struct {
	Successful []string       `json:"successful"`
	Failed     []FicheFailure `json:"failed"`
	Ignored    []FicheIgnored `json:"ignored"`
}

func (r ResultSummary) Value() (driver.Value, error) { return jsonValue(r) }
func (r *ResultSummary) Scan(src any) error          { return jsonScan(src, r) }

// LogLevel classifies a run-log line.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Metadata is the sanitized structured payload attached to a run-log line.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) { return jsonValue(m) }
func (m *Metadata) Scan(src any) error          { return jsonScan(src, m) }

// RunLog is one append-only structured event bound to a run.
type RunLog struct {
	ID        int64     `db:"id" json:"id"`
	RunID     int64     `db:"run_id" json:"runId"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
