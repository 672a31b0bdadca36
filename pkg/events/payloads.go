package events

// BasePayload carries the fields common to every run event.
// RunID crosses the JSON boundary as a decimal string, like every
// BigInt id in the API.
type BasePayload struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// RunStartedPayload announces a freshly created Run.
type RunStartedPayload struct {
	BasePayload
	ScheduleID   string `json:"schedule_id"`
	ScheduleName string `json:"schedule_name"`
	DueAt        string `json:"due_at,omitempty"` // RFC3339, empty for manual triggers
}

// RunSelectionPayload reports the outcome of fiche selection.
type RunSelectionPayload struct {
	BasePayload
	TotalFiches   int      `json:"total_fiches"`
	IgnoredFiches int      `json:"ignored_fiches"`
	Dates         []string `json:"dates,omitempty"` // dd-mm-yyyy, per-day path only
}

// RunProgressPayload reports stage advancement inside a running run.
type RunProgressPayload struct {
	BasePayload
	Stage     string `json:"stage"` // fiche_details | transcription | audit | pipeline
	Day       string `json:"day,omitempty"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// RunCompletedPayload carries the final accounting of a finished run.
type RunCompletedPayload struct {
	BasePayload
	Status            string  `json:"status"` // completed | partial
	TotalFiches       int     `json:"total_fiches"`
	SuccessfulFiches  int     `json:"successful_fiches"`
	FailedFiches      int     `json:"failed_fiches"`
	IgnoredFiches     int     `json:"ignored_fiches"`
	TranscriptionsRun int     `json:"transcriptions_run"`
	AuditsRun         int     `json:"audits_run"`
	DurationSeconds   float64 `json:"duration_seconds"`
}

// RunFailedPayload carries the terminal error of a failed run.
type RunFailedPayload struct {
	BasePayload
	ErrorMessage string `json:"error_message"`
}
