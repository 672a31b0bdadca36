// Package models defines the domain entities shared by the store,
// the workflow functions, and the API layer.
package models

import (
	"database/sql/driver"
	"sort"
	"strings"
	"time"
)

// ScheduleType determines how the scheduler derives fire times.
type ScheduleType string

const (
	ScheduleTypeManual  ScheduleType = "MANUAL"
	ScheduleTypeDaily   ScheduleType = "DAILY"
	ScheduleTypeWeekly  ScheduleType = "WEEKLY"
	ScheduleTypeMonthly ScheduleType = "MONTHLY"
	ScheduleTypeCron    ScheduleType = "CRON"
)

// Run statuses a schedule can report through last_run_status.
const (
	LastRunStatusRunning   = "running"
	LastRunStatusCompleted = "completed"
	LastRunStatusPartial   = "partial"
	LastRunStatusFailed    = "failed"
)

// Schedule is an operator-defined recurring automation job.
// MANUAL schedules are only ever started through the trigger endpoint.
type Schedule struct {
	ID             int64        `db:"id" json:"id"`
	Name           string       `db:"name" json:"name"`
	IsActive       bool         `db:"is_active" json:"isActive"`
	ScheduleType   ScheduleType `db:"schedule_type" json:"scheduleType"`
	CronExpression *string      `db:"cron_expression" json:"cronExpression,omitempty"`
	Timezone       string       `db:"timezone" json:"timezone"`
	TimeOfDay      *string      `db:"time_of_day" json:"timeOfDay,omitempty"`
	DayOfWeek      *int         `db:"day_of_week" json:"dayOfWeek,omitempty"`
	DayOfMonth     *int         `db:"day_of_month" json:"dayOfMonth,omitempty"`

	Selection     SelectionSpec        `db:"selection" json:"selection"`
	StageFlags    StageFlags           `db:"stage_flags" json:"stageFlags"`
	FailurePolicy FailurePolicy        `db:"failure_policy" json:"failurePolicy"`
	Notifications NotificationSettings `db:"notifications" json:"notifications"`

	LastRunAt     *time.Time `db:"last_run_at" json:"lastRunAt,omitempty"`
	LastRunStatus *string    `db:"last_run_status" json:"lastRunStatus,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// SelectionMode distinguishes explicit fiche lists from date-driven CRM selection.
type SelectionMode string

const (
	SelectionModeManual SelectionMode = "manual"
	SelectionModeAPI    SelectionMode = "api"
)

// DateRange is the named range resolved against the schedule timezone.
type DateRange string

const (
	DateRangeToday         DateRange = "today"
	DateRangeYesterday     DateRange = "yesterday"
	DateRangeLast7Days     DateRange = "last_7_days"
	DateRangeLast30Days    DateRange = "last_30_days"
	DateRangeCurrentMonth  DateRange = "current_month"
	DateRangePreviousMonth DateRange = "previous_month"
	DateRangeCustom        DateRange = "custom"
)

// SelectionSpec describes which fiches a run targets. Older rows carry
// null numeric limits, which mean "unset", never zero.
type SelectionSpec struct {
	Mode                  SelectionMode `json:"mode" validate:"required,oneof=manual api"`
	DateRange             DateRange     `json:"dateRange,omitempty" validate:"omitempty,oneof=today yesterday last_7_days last_30_days current_month previous_month custom"`
	StartDate             string        `json:"startDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate               string        `json:"endDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	FicheIDs              []string      `json:"ficheIds,omitempty"`
	Groupes               []string      `json:"groupes,omitempty"`
	OnlyWithRecordings    bool          `json:"onlyWithRecordings,omitempty"`
	OnlyUnaudited         bool          `json:"onlyUnaudited,omitempty"`
	MaxFiches             *int          `json:"maxFiches,omitempty" validate:"omitempty,min=0"`
	MaxRecordingsPerFiche *int          `json:"maxRecordingsPerFiche,omitempty" validate:"omitempty,min=0"`
	UseRlm                bool          `json:"useRlm,omitempty"`
}

// Value implements driver.Valuer for JSONB storage.
func (s SelectionSpec) Value() (driver.Value, error) { return jsonValue(s) }

// Scan implements sql.Scanner for JSONB storage.
func (s *SelectionSpec) Scan(src any) error { return jsonScan(src, s) }

// NormalizedFicheIDs splits comma-joined entries, trims whitespace, drops
// empties, and dedupes while preserving first-seen order. Admin clients
// historically submitted both JSON arrays and comma-separated strings.
func (s SelectionSpec) NormalizedFicheIDs() []string {
	seen := make(map[string]struct{}, len(s.FicheIDs))
	out := make([]string, 0, len(s.FicheIDs))
	for _, entry := range s.FicheIDs {
		for _, part := range strings.Split(entry, ",") {
			id := strings.TrimSpace(part)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// NormalizedGroupes trims, dedupes, and sorts the groupe filter so that
// membership checks and payload snapshots are stable.
func (s SelectionSpec) NormalizedGroupes() []string {
	seen := make(map[string]struct{}, len(s.Groupes))
	out := make([]string, 0, len(s.Groupes))
	for _, g := range s.Groupes {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// TranscriptionPriority is forwarded opaquely to the transcription engine.
type TranscriptionPriority string

const (
	TranscriptionPriorityLow    TranscriptionPriority = "low"
	TranscriptionPriorityNormal TranscriptionPriority = "normal"
	TranscriptionPriorityHigh   TranscriptionPriority = "high"
)

// StageFlags enable or tune the per-run pipeline stages.
type StageFlags struct {
	RunTranscription       bool                  `json:"runTranscription"`
	SkipIfTranscribed      bool                  `json:"skipIfTranscribed"`
	TranscriptionPriority  TranscriptionPriority `json:"transcriptionPriority,omitempty" validate:"omitempty,oneof=low normal high"`
	RunAudits              bool                  `json:"runAudits"`
	UseAutomaticAudits     bool                  `json:"useAutomaticAudits"`
	SpecificAuditConfigIDs []string              `json:"specificAuditConfigIds,omitempty"`
}

func (f StageFlags) Value() (driver.Value, error) { return jsonValue(f) }
func (f *StageFlags) Scan(src any) error          { return jsonScan(src, f) }

// FailurePolicy controls how the run reacts to per-fiche and per-day failures.
type FailurePolicy struct {
	ContinueOnError bool `json:"continueOnError"`
	RetryFailed     bool `json:"retryFailed"`
	MaxRetries      int  `json:"maxRetries" validate:"min=0,max=10"`
}

func (p FailurePolicy) Value() (driver.Value, error) { return jsonValue(p) }
func (p *FailurePolicy) Scan(src any) error          { return jsonScan(src, p) }

// NotificationSettings select the terminal notification sinks.
type NotificationSettings struct {
	NotifyOnComplete bool     `json:"notifyOnComplete"`
	NotifyOnError    bool     `json:"notifyOnError"`
	WebhookURL       string   `json:"webhookUrl,omitempty" validate:"omitempty,url"`
	NotifyEmails     []string `json:"notifyEmails,omitempty" validate:"omitempty,dive,email"`
}

func (n NotificationSettings) Value() (driver.Value, error) { return jsonValue(n) }
func (n *NotificationSettings) Scan(src any) error          { return jsonScan(src, n) }

// RequiredFieldsPresent reports whether the schedule carries the fields
// its type needs before a cron expression can be resolved.
func (s *Schedule) RequiredFieldsPresent() bool {
	switch s.ScheduleType {
	case ScheduleTypeDaily:
		return s.TimeOfDay != nil && *s.TimeOfDay != ""
	case ScheduleTypeWeekly:
		return s.TimeOfDay != nil && *s.TimeOfDay != "" && s.DayOfWeek != nil
	case ScheduleTypeMonthly:
		return s.TimeOfDay != nil && *s.TimeOfDay != "" && s.DayOfMonth != nil
	case ScheduleTypeCron:
		return s.CronExpression != nil && *s.CronExpression != ""
	default:
		return false
	}
}
