// Package workflow implements the durable-step runtime: checkpointed
// workflow functions executed by a PostgreSQL-backed worker pool.
//
// A workflow function is triggered by a bus event or invoked as a child
// job. Its handler runs to the next suspension point (a durable sleep or
// a wait on a child), records every completed step in workflow_steps, and
// is replayed from the top after resume or crash: completed steps return
// their memoized results instantly, so code between steps must stay pure.
package workflow

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of one workflow job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSleeping  JobStatus = "sleeping"
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Suspended reports whether the job holds its concurrency slot while
// waiting to be resumed.
func (s JobStatus) Suspended() bool {
	return s == JobStatusSleeping || s == JobStatusWaiting
}

// Job is one durable execution of a workflow function.
type Job struct {
	ID              string          `db:"id"`
	Function        string          `db:"function"`
	EventName       string          `db:"event_name"`
	EventID         *string         `db:"event_id"`
	Payload         json.RawMessage `db:"payload"`
	Status          JobStatus       `db:"status"`
	Attempt         int             `db:"attempt"`
	MaxAttempts     int             `db:"max_attempts"`
	WakeAt          *time.Time      `db:"wake_at"`
	Result          json.RawMessage `db:"result"`
	Error           *string         `db:"error"`
	ParentID        *string         `db:"parent_id"`
	PodID           *string         `db:"pod_id"`
	LastHeartbeatAt *time.Time      `db:"last_heartbeat_at"`
	DeadlineAt      *time.Time      `db:"deadline_at"`
	CreatedAt       time.Time       `db:"created_at"`
	StartedAt       *time.Time      `db:"started_at"`
	FinishedAt      *time.Time      `db:"finished_at"`
}

// Event is one bus event. The ID is the idempotency key: sending the
// same id twice dispatches jobs at most once.
type Event struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data any    `json:"data"`
}

// StepKind classifies a checkpointed step.
type StepKind string

const (
	StepKindRun       StepKind = "run"
	StepKindSleep     StepKind = "sleep"
	StepKindSendEvent StepKind = "send_event"
	StepKindInvoke    StepKind = "invoke"
)
