package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChannel(t *testing.T) {
	assert.Equal(t, "automation:run:42", RunChannel("42"))
}

func TestInjectDBEventIDAndTruncate_SmallPayload(t *testing.T) {
	payload, _ := json.Marshal(RunStartedPayload{
		BasePayload:  BasePayload{Type: EventTypeRunStarted, RunID: "7"},
		ScheduleID:   "3",
		ScheduleName: "Nightly QA",
	})

	out, err := injectDBEventIDAndTruncate(payload, 99)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, float64(99), m["db_event_id"])
	assert.Equal(t, EventTypeRunStarted, m["type"])
	assert.Equal(t, "Nightly QA", m["schedule_name"])
}

func TestInjectDBEventIDAndTruncate_OversizedPayload(t *testing.T) {
	big := map[string]any{
		"type":   EventTypeRunFailed,
		"run_id": "12",
		"error_message": strings.Repeat("x", notifyLimit+100),
	}
	payload, _ := json.Marshal(big)

	out, err := injectDBEventIDAndTruncate(payload, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), notifyLimit)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, true, m["truncated"])
	assert.Equal(t, EventTypeRunFailed, m["type"])
	assert.Equal(t, "12", m["run_id"])
	assert.Equal(t, float64(5), m["db_event_id"])
	assert.NotContains(t, m, "error_message")
}

func TestTruncateIfNeeded_PassThrough(t *testing.T) {
	small := `{"type":"automation.run.progress","run_id":"1"}`
	out, err := truncateIfNeeded(small)
	require.NoError(t, err)
	assert.Equal(t, small, out)
}

func TestBuildTruncatedPayload_NoDBEventID(t *testing.T) {
	payload := []byte(`{"type":"automation.run.selection","run_id":"8","dates":["01-02-2026"]}`)
	out, err := buildTruncatedPayload(payload)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.NotContains(t, m, "db_event_id")
	assert.Equal(t, "8", m["run_id"])
}
