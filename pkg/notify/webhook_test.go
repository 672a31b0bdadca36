package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/orchestrator"
)

func testSender() *webhookSender {
	s := newWebhookSender(2 * time.Second)
	s.newPolicy = func() backoff.BackOff {
		b := backoff.NewConstantBackOff(time.Millisecond)
		return b
	}
	return s
}

func sampleNotification() orchestrator.RunNotification {
	return orchestrator.RunNotification{
		ScheduleID:        3,
		ScheduleName:      "Nightly QA",
		RunID:             91,
		Status:            models.RunStatusPartial,
		DurationSeconds:   12.5,
		TotalFiches:       10,
		SuccessfulFiches:  8,
		FailedFiches:      2,
		TranscriptionsRun: 7,
		AuditsRun:         8,
		Failures:          []models.FicheFailure{{FicheID: "42", Error: "audit failed: boom"}},
		ErrorMessage:      "audit failed: boom",
	}
}

func TestWebhookSend_PayloadShape(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testSender().send(context.Background(), srv.URL, buildWebhookPayload(sampleNotification()))
	require.NoError(t, err)

	assert.Equal(t, int64(3), got.ScheduleID)
	assert.Equal(t, "Nightly QA", got.ScheduleName)
	assert.Equal(t, int64(91), got.RunID)
	assert.Equal(t, "partial", got.Status)
	assert.Equal(t, 10, got.TotalFiches)
	assert.Equal(t, 8, got.AuditsRun)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "42", got.Failures[0].FicheID)
}

func TestWebhookSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testSender().send(context.Background(), srv.URL, WebhookPayload{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSend_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := testSender().send(context.Background(), srv.URL, WebhookPayload{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
