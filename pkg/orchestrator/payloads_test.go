package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, "automation-schedule-12-1700000000000", RunEventID(12, 1700000000000))
	assert.Equal(t, "automation-schedule-12-manual-1700000000000", ManualRunEventID(12, 1700000000000))
	assert.Equal(t, "automation-9-day-15-03-2026", DayJobID(9, "15/03/2026"))
	assert.Equal(t, "automation-9-fiche-42", FicheJobID(9, 42))
	assert.Equal(t, "automation-9-fetch-42", FetchJobID(9, 42))
	assert.Equal(t, "automation-9-transcribe-42", TranscribeJobID(9, 42))
	assert.Equal(t, "automation-9-audit-42-7", AuditJobID(9, 42, 7))
	assert.Equal(t, "automation-9-fetch-42-retry-2", RetryID(FetchJobID(9, 42), 2))
	assert.Equal(t, "automation-run-9", RunJobKey(9))
}

func TestRunPlanPrimaryAuditConfig(t *testing.T) {
	assert.Empty(t, runPlan{}.primaryAuditConfigID())
	assert.Equal(t, "3", runPlan{AuditConfigIDs: []string{"3", "8"}}.primaryAuditConfigID())
}
