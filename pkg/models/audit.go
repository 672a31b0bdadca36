package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// AuditStatus is the lifecycle state of one audit execution.
// pending → running → completed | failed. Completion is terminal.
type AuditStatus string

const (
	AuditStatusPending   AuditStatus = "pending"
	AuditStatusRunning   AuditStatus = "running"
	AuditStatusCompleted AuditStatus = "completed"
	AuditStatusFailed    AuditStatus = "failed"
)

// Terminal reports whether the audit reached a final state.
func (s AuditStatus) Terminal() bool {
	return s == AuditStatusCompleted || s == AuditStatusFailed
}

// Audit is one audit execution for (fiche, auditConfig). At most one row
// per key carries is_latest=true; the flip happens transactionally when
// a new audit completes.
type Audit struct {
	ID              int64           `db:"id" json:"id"`
	FicheID         int64           `db:"fiche_id" json:"ficheId"`
	AuditConfigID   int64           `db:"audit_config_id" json:"auditConfigId"`
	Status          AuditStatus     `db:"status" json:"status"`
	AutomationRunID *int64          `db:"automation_run_id" json:"automationRunId,omitempty"`
	IsLatest        bool            `db:"is_latest" json:"isLatest"`
	ErrorMessage    *string         `db:"error_message" json:"errorMessage,omitempty"`
	Result          json.RawMessage `db:"result" json:"result,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// ControlStep is one ordered check inside an audit configuration. The
// orchestrator never interprets the content; it is forwarded to the
// audit engine verbatim.
type ControlStep struct {
	Name        string   `json:"name"`
	Instruction string   `json:"instruction"`
	Keywords    []string `json:"keywords,omitempty"`
	Weight      int      `json:"weight"`
	Severity    string   `json:"severity,omitempty"`
}

// ControlSteps is the ordered JSONB list of control steps.
type ControlSteps []ControlStep

func (c ControlSteps) Value() (driver.Value, error) { return jsonValue(c) }
func (c *ControlSteps) Scan(src any) error          { return jsonScan(src, c) }

// AuditConfig is a declarative audit definition. Read-only at run time;
// configs flagged automatic join every run that sets useAutomaticAudits.
type AuditConfig struct {
	ID           int64        `db:"id" json:"id"`
	Name         string       `db:"name" json:"name"`
	SystemPrompt string       `db:"system_prompt" json:"systemPrompt"`
	Steps        ControlSteps `db:"steps" json:"steps"`
	IsAutomatic  bool         `db:"is_automatic" json:"isAutomatic"`
	IsActive     bool         `db:"is_active" json:"isActive"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}
