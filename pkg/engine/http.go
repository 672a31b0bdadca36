package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// HTTPTranscriber calls a transcription engine over HTTP.
type HTTPTranscriber struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPTranscriber reads TRANSCRIBER_URL. Returns nil when unset;
// callers must then disable the transcription stage.
func NewHTTPTranscriber() *HTTPTranscriber {
	baseURL := os.Getenv("TRANSCRIBER_URL")
	if baseURL == "" {
		return nil
	}
	return &HTTPTranscriber{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Transcribe submits one recording and waits for the result. The engine
// downloads the audio itself from the signed URL.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error) {
	var result TranscriptionResult
	if err := postJSON(ctx, t.httpClient, t.baseURL+"/transcriptions", req, &result); err != nil {
		return nil, fmt.Errorf("transcription of recording %s: %w", req.Recording.ExternalID, err)
	}
	if result.TranscriptionID == "" {
		return nil, fmt.Errorf("transcription engine returned no id for recording %s", req.Recording.ExternalID)
	}
	return &result, nil
}

// HTTPAuditor calls an audit engine over HTTP.
type HTTPAuditor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAuditor reads AUDITOR_URL. Returns nil when unset.
func NewHTTPAuditor() *HTTPAuditor {
	baseURL := os.Getenv("AUDITOR_URL")
	if baseURL == "" {
		return nil
	}
	return &HTTPAuditor{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Audit runs one audit and returns the engine's document verbatim.
func (a *HTTPAuditor) Audit(ctx context.Context, req AuditRequest) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := postJSON(ctx, a.httpClient, a.baseURL+"/audits", req, &doc); err != nil {
		return nil, fmt.Errorf("audit of fiche %d (config %d): %w", req.FicheID, req.ConfigID, err)
	}
	return doc, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
