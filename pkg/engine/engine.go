// Package engine hosts the bus-event workers that back the pipeline's
// external stages: fiche detail fetching, transcription, and auditing.
// The transcription and audit engines themselves live elsewhere; this
// package owns their invocation contracts and the durable workers that
// call them.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qualivox/callaudit/pkg/config"
	"github.com/qualivox/callaudit/pkg/crm"
	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// Workflow function names and the bus events that trigger them.
const (
	FetchFunction      = "fiche-fetch-worker"
	TranscribeFunction = "transcription-worker"
	AuditFunction      = "audit-worker"

	EventFicheFetch      = "fiche/fetch"
	EventFicheTranscribe = "fiche/transcribe"
	EventAuditRun        = "audit/run"
)

// RecordingRef identifies one recording to transcribe.
type RecordingRef struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// TranscriptionRequest asks the transcription engine for one recording.
type TranscriptionRequest struct {
	FicheID   int64        `json:"fiche_id,string"`
	Recording RecordingRef `json:"recording"`
	Priority  string       `json:"priority,omitempty"`
}

// TranscriptionResult is the engine's answer for one recording.
type TranscriptionResult struct {
	TranscriptionID string `json:"transcription_id"`
}

// Transcriber is the transcription engine contract.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error)
}

// Transcript links a recording to its finished transcription.
type Transcript struct {
	RecordingExternalID string `json:"recording_external_id"`
	TranscriptionID     string `json:"transcription_id"`
}

// AuditRequest asks the audit engine to evaluate one fiche against one
// configuration. The control steps pass through verbatim.
type AuditRequest struct {
	FicheID     int64               `json:"fiche_id,string"`
	ConfigID    int64               `json:"config_id,string"`
	Name        string              `json:"name"`
	Prompt      string              `json:"prompt"`
	Steps       models.ControlSteps `json:"steps"`
	Transcripts []Transcript        `json:"transcripts"`
}

// Auditor is the audit engine contract. The returned document is stored
// on the Audit row without interpretation.
type Auditor interface {
	Audit(ctx context.Context, req AuditRequest) (json.RawMessage, error)
}

// Deps carries what the workers need.
type Deps struct {
	Store       *store.Store
	CRM         *crm.Client
	Transcriber Transcriber
	Auditor     Auditor
	Automation  *config.AutomationConfig
}

// workerFinishTimeout bounds each engine worker job.
const workerFinishTimeout = time.Hour

// Register adds the three engine workers to the workflow registry.
func Register(registry *workflow.Registry, deps Deps) {
	registry.MustRegister(&workflow.Function{
		Name:          FetchFunction,
		Event:         EventFicheFetch,
		Retries:       2,
		FinishTimeout: workerFinishTimeout,
		Handler:       fetchHandler(deps),
	})
	registry.MustRegister(&workflow.Function{
		Name:          TranscribeFunction,
		Event:         EventFicheTranscribe,
		Retries:       2,
		FinishTimeout: workerFinishTimeout,
		Handler:       transcribeHandler(deps),
	})
	registry.MustRegister(&workflow.Function{
		Name:          AuditFunction,
		Event:         EventAuditRun,
		Retries:       2,
		FinishTimeout: workerFinishTimeout,
		Handler:       auditHandler(deps),
	})
}
