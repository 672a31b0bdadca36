package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/pkg/database"
	"github.com/qualivox/callaudit/pkg/events"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

func newTestServer(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	srv := NewServer(
		database.NewClientFromDB(db),
		store.New(db),
		workflow.NewClient(db, workflow.NewRegistry(), 0),
		events.NewBroker(nil),
	)
	return srv.Router(), mock
}

func scheduleColumnsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "is_active", "schedule_type", "cron_expression", "timezone",
		"time_of_day", "day_of_week", "day_of_month", "selection", "stage_flags",
		"failure_policy", "notifications", "last_run_at", "last_run_status",
		"created_at", "updated_at",
	})
}

func addScheduleRow(rows *sqlmock.Rows, id int64, name string, active bool) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, name, active, "DAILY", nil, "Europe/Paris",
		"02:00", nil, nil,
		[]byte(`{"dateRangeType":"yesterday"}`),
		[]byte(`{"runTranscription":true,"runAudit":true}`),
		[]byte(`{"continueOnError":true}`),
		[]byte(`{"notifyOnComplete":false,"notifyOnError":true}`),
		nil, nil, now, now,
	)
}

func TestGetSchedule(t *testing.T) {
	router, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT (.+) FROM automation_schedules WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(addScheduleRow(scheduleColumnsRows(), 7, "Nightly QA", true))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/schedules/7", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Nightly QA", body["name"])
	assert.Equal(t, float64(7), body["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSchedule_NotFound(t *testing.T) {
	router, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT (.+) FROM automation_schedules WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/schedules/99", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_InvalidID(t *testing.T) {
	router, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/not-a-number", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRuns_InvalidScheduleFilter(t *testing.T) {
	router, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs?schedule_id=bogus", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunLogs_UnknownRun(t *testing.T) {
	router, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT (.+) FROM automation_runs WHERE id = \$1`).
		WithArgs(int64(123)).
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/123/logs", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerSchedule_Accepted(t *testing.T) {
	router, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT (.+) FROM automation_schedules WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(addScheduleRow(scheduleColumnsRows(), 7, "Nightly QA", true))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bus_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/7/trigger",
		strings.NewReader(`{"ficheIds":["42","43"]}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(7), resp.ScheduleID)
	assert.True(t, strings.HasPrefix(resp.EventID, "automation-schedule-7-manual-"),
		"unexpected event id %q", resp.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerSchedule_Deduplicated(t *testing.T) {
	router, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT (.+) FROM automation_schedules WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(addScheduleRow(scheduleColumnsRows(), 7, "Nightly QA", true))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bus_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/schedules/7/trigger", nil))

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Accepted)
}

func TestTriggerSchedule_Inactive(t *testing.T) {
	router, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT (.+) FROM automation_schedules WHERE id = \$1`).
		WithArgs(int64(8)).
		WillReturnRows(addScheduleRow(scheduleColumnsRows(), 8, "Paused", false))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/schedules/8/trigger", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerSchedule_BadBody(t *testing.T) {
	router, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/7/trigger",
		strings.NewReader(`{"ficheIds": "not-an-array"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLimitParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=0", 50},
		{"limit=-3", 50},
		{"limit=junk", 50},
		{"limit=9999", 200},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/runs?"+tc.query, nil)
		assert.Equal(t, tc.want, limitParam(c, 50, 200), "query %q", tc.query)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, []byte(`{"db_event_id":17,"type":"automation.run.progress"}`))
	assert.Equal(t, "id: 17\ndata: {\"db_event_id\":17,\"type\":\"automation.run.progress\"}\n\n", w.Body.String())

	w = httptest.NewRecorder()
	writeSSEEvent(w, []byte(`{"type":"automation.run.started"}`))
	assert.Equal(t, "data: {\"type\":\"automation.run.started\"}\n\n", w.Body.String())
}

func TestExtractDBEventID(t *testing.T) {
	assert.Equal(t, int64(42), extractDBEventID([]byte(`{"db_event_id":42}`)))
	assert.Equal(t, int64(0), extractDBEventID([]byte(`{"type":"x"}`)))
	assert.Equal(t, int64(0), extractDBEventID([]byte(`not json`)))
}
