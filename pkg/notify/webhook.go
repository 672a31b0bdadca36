package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/orchestrator"
)

// webhookMaxAttempts bounds delivery tries: the first plus two retries.
const webhookMaxAttempts = 3

// WebhookPayload is the JSON body posted to the schedule's webhook.
type WebhookPayload struct {
	ScheduleID        int64                 `json:"schedule_id"`
	ScheduleName      string                `json:"schedule_name"`
	RunID             int64                 `json:"run_id"`
	Status            string                `json:"status"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalFiches       int                   `json:"total_fiches"`
	SuccessfulFiches  int                   `json:"successful_fiches"`
	FailedFiches      int                   `json:"failed_fiches"`
	IgnoredFiches     int                   `json:"ignored_fiches"`
	TranscriptionsRun int                   `json:"transcriptions_run"`
	AuditsRun         int                   `json:"audits_run"`
	Failures          []models.FicheFailure `json:"failures,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
}

func buildWebhookPayload(n orchestrator.RunNotification) WebhookPayload {
	return WebhookPayload{
		ScheduleID:        n.ScheduleID,
		ScheduleName:      n.ScheduleName,
		RunID:             n.RunID,
		Status:            string(n.Status),
		DurationSeconds:   n.DurationSeconds,
		TotalFiches:       n.TotalFiches,
		SuccessfulFiches:  n.SuccessfulFiches,
		FailedFiches:      n.FailedFiches,
		IgnoredFiches:     n.IgnoredFiches,
		TranscriptionsRun: n.TranscriptionsRun,
		AuditsRun:         n.AuditsRun,
		Failures:          n.Failures,
		ErrorMessage:      n.ErrorMessage,
	}
}

// webhookSender posts JSON with bounded exponential-backoff retries.
type webhookSender struct {
	httpClient *http.Client

	// newPolicy builds the retry schedule; overridable in tests.
	newPolicy func() backoff.BackOff
}

func newWebhookSender(timeout time.Duration) *webhookSender {
	return &webhookSender{
		httpClient: &http.Client{Timeout: timeout},
		newPolicy:  newRetryPolicy,
	}
}

// send posts the payload. Network errors and 5xx responses retry; 4xx
// responses are permanent.
func (w *webhookSender) send(ctx context.Context, url string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	operation := func() error {
		return w.post(ctx, url, body)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(w.newPolicy(), webhookMaxAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("Webhook delivery failed, retrying", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(operation, policy, notify)
}

func (w *webhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}

// newRetryPolicy is the 2s/4s exponential schedule.
func newRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	return b
}
