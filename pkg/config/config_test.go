package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "* * * * *", cfg.Automation.SchedulerCron)
	assert.Equal(t, 20, cfg.Automation.WindowMinutes)
	assert.Equal(t, 30*time.Minute, cfg.Automation.StaleGrace)
	assert.False(t, cfg.Automation.LegacyFanout)
	assert.Equal(t, 3, cfg.Automation.DayConcurrency)
	assert.Equal(t, 5, cfg.Automation.FicheConcurrency)
	assert.Equal(t, 200, cfg.Automation.SendEventChunkSize)
	assert.Equal(t, 10*time.Minute, cfg.Automation.FicheDetailsMaxWait)
	assert.Equal(t, 20*time.Second, cfg.Automation.FicheDetailsPollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Automation.AuditMaxWait)
	assert.Equal(t, 50, cfg.Automation.MaxRecordingsPerFiche)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTOMATION_SCHEDULER_WINDOW_MINUTES", "45")
	t.Setenv("AUTOMATION_SCHEDULER_STALE_GRACE_MS", "60000")
	t.Setenv("AUTOMATION_FICHE_DETAILS_MAX_WAIT_MS", "120000")
	t.Setenv("AUTOMATION_FICHE_DETAILS_POLL_INTERVAL_SECONDS", "5")
	t.Setenv("AUTOMATION_LEGACY_FANOUT", "true")
	t.Setenv("AUTOMATION_DAY_CONCURRENCY", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.Automation.WindowMinutes)
	assert.Equal(t, time.Minute, cfg.Automation.StaleGrace)
	assert.Equal(t, 2*time.Minute, cfg.Automation.FicheDetailsMaxWait)
	assert.Equal(t, 5*time.Second, cfg.Automation.FicheDetailsPollInterval)
	assert.True(t, cfg.Automation.LegacyFanout)
	assert.Equal(t, 2, cfg.Automation.DayConcurrency)
}

func TestWindowFloor(t *testing.T) {
	t.Setenv("AUTOMATION_SCHEDULER_WINDOW_MINUTES", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Automation.WindowMinutes, "window has a 5 minute floor")
}

func TestMaxRecordingsClamp(t *testing.T) {
	t.Setenv("AUTOMATION_MAX_RECORDINGS_PER_FICHE", "500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, MaxRecordingsCeiling, cfg.Automation.MaxRecordingsPerFiche)
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("AUTOMATION_DAY_CONCURRENCY", "three")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTOMATION_DAY_CONCURRENCY")
}

func TestFinishTimeoutAndStaleThreshold(t *testing.T) {
	auto := AutomationConfig{StaleGrace: 30 * time.Minute}
	assert.Equal(t, 5*time.Hour, auto.FinishTimeout())
	assert.Equal(t, 5*time.Hour+30*time.Minute, auto.StaleThreshold())

	auto.LegacyFanout = true
	assert.Equal(t, 2*time.Hour, auto.FinishTimeout())
	assert.Equal(t, 2*time.Hour+30*time.Minute, auto.StaleThreshold())
}
