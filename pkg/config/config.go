// Package config loads the application configuration from the environment.
//
// Infrastructure packages (database, crm, notify) load their own sections
// with the same conventions; this package owns the automation tuning knobs
// and the HTTP server settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration assembled at startup.
type Config struct {
	Server     ServerConfig
	Automation AutomationConfig
	Worker     WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerConfig tunes the workflow worker pool.
type WorkerConfig struct {
	WorkerCount        int
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	HeartbeatInterval  time.Duration
	OrphanThreshold    time.Duration
	OrphanInterval     time.Duration
	ShutdownTimeout    time.Duration
}

// AutomationConfig carries every AUTOMATION_* tuning knob.
type AutomationConfig struct {
	SchedulerCron string
	WindowMinutes int
	StaleGrace    time.Duration
	LegacyFanout  bool

	DayConcurrency   int
	FicheConcurrency int
	DayBatchSize     int
	FicheBatchSize   int
	RecordingFanout  int

	SendEventChunkSize int

	FicheDetailsMaxWait       time.Duration
	FicheDetailsPollInterval  time.Duration
	TranscriptionMaxWait      time.Duration
	TranscriptionPollInterval time.Duration
	AuditMaxWait              time.Duration
	AuditPollInterval         time.Duration

	MaxRecordingsPerFiche int

	FicheCacheTTL time.Duration

	DebugLogToFile bool
	DebugLogDir    string
}

// Window returns the trailing scheduler window as a duration.
func (c AutomationConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// FinishTimeout is the run-orchestrator workflow finish budget: 5h in the
// default multi-level architecture, 2h on the legacy fan-out path.
func (c AutomationConfig) FinishTimeout() time.Duration {
	if c.LegacyFanout {
		return 2 * time.Hour
	}
	return 5 * time.Hour
}

// StaleThreshold is the age at which a running run is reconciled to failed:
// the workflow finish timeout plus the configured grace.
func (c AutomationConfig) StaleThreshold() time.Duration {
	return c.FinishTimeout() + c.StaleGrace
}

// Load assembles the configuration from the environment, applying defaults
// and enforcing the documented floors and ceilings.
func Load() (*Config, error) {
	port, err := intFromEnv("PORT", defaultPort)
	if err != nil {
		return nil, err
	}

	auto, err := loadAutomation()
	if err != nil {
		return nil, err
	}

	worker, err := loadWorker()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     ServerConfig{Host: getEnvOrDefault("HOST", defaultHost), Port: port},
		Automation: auto,
		Worker:     worker,
	}, nil
}

func loadAutomation() (AutomationConfig, error) {
	c := AutomationConfig{SchedulerCron: getEnvOrDefault("AUTOMATION_SCHEDULER_CRON", defaultSchedulerCron)}

	var err error
	if c.WindowMinutes, err = intFromEnv("AUTOMATION_SCHEDULER_WINDOW_MINUTES", defaultWindowMinutes); err != nil {
		return c, err
	}
	if c.WindowMinutes < minWindowMinutes {
		c.WindowMinutes = minWindowMinutes
	}
	if c.StaleGrace, err = millisFromEnv("AUTOMATION_SCHEDULER_STALE_GRACE_MS", defaultStaleGrace); err != nil {
		return c, err
	}
	if c.LegacyFanout, err = boolFromEnv("AUTOMATION_LEGACY_FANOUT", false); err != nil {
		return c, err
	}
	if c.DayConcurrency, err = intFromEnv("AUTOMATION_DAY_CONCURRENCY", defaultDayConcurrency); err != nil {
		return c, err
	}
	if c.FicheConcurrency, err = intFromEnv("AUTOMATION_FICHE_WORKER_CONCURRENCY", defaultFicheConcurrency); err != nil {
		return c, err
	}
	if c.DayBatchSize, err = intFromEnv("AUTOMATION_DAY_BATCH_SIZE", defaultDayBatchSize); err != nil {
		return c, err
	}
	if c.FicheBatchSize, err = intFromEnv("AUTOMATION_FICHE_BATCH_SIZE", defaultFicheBatchSize); err != nil {
		return c, err
	}
	if c.RecordingFanout, err = intFromEnv("AUTOMATION_RECORDING_FANOUT", defaultRecordingFanout); err != nil {
		return c, err
	}
	if c.SendEventChunkSize, err = intFromEnv("AUTOMATION_SEND_EVENT_CHUNK_SIZE", defaultSendEventChunkSize); err != nil {
		return c, err
	}
	if c.FicheDetailsMaxWait, err = millisFromEnv("AUTOMATION_FICHE_DETAILS_MAX_WAIT_MS", defaultFicheDetailsMaxWait); err != nil {
		return c, err
	}
	if c.FicheDetailsPollInterval, err = secondsFromEnv("AUTOMATION_FICHE_DETAILS_POLL_INTERVAL_SECONDS", defaultFicheDetailsPoll); err != nil {
		return c, err
	}
	if c.TranscriptionMaxWait, err = millisFromEnv("AUTOMATION_TRANSCRIPTION_MAX_WAIT_MS", defaultTranscriptionMaxWait); err != nil {
		return c, err
	}
	if c.TranscriptionPollInterval, err = secondsFromEnv("AUTOMATION_TRANSCRIPTION_POLL_INTERVAL_SECONDS", defaultTranscriptionPoll); err != nil {
		return c, err
	}
	if c.AuditMaxWait, err = millisFromEnv("AUTOMATION_AUDIT_MAX_WAIT_MS", defaultAuditMaxWait); err != nil {
		return c, err
	}
	if c.AuditPollInterval, err = secondsFromEnv("AUTOMATION_AUDIT_POLL_INTERVAL_SECONDS", defaultAuditPoll); err != nil {
		return c, err
	}
	if c.MaxRecordingsPerFiche, err = intFromEnv("AUTOMATION_MAX_RECORDINGS_PER_FICHE", MaxRecordingsCeiling); err != nil {
		return c, err
	}
	if c.MaxRecordingsPerFiche > MaxRecordingsCeiling || c.MaxRecordingsPerFiche <= 0 {
		c.MaxRecordingsPerFiche = MaxRecordingsCeiling
	}
	ttlHours, err := intFromEnv("AUTOMATION_FICHE_CACHE_TTL_HOURS", defaultFicheCacheTTLHours)
	if err != nil {
		return c, err
	}
	c.FicheCacheTTL = time.Duration(ttlHours) * time.Hour
	if c.DebugLogToFile, err = boolFromEnv("AUTOMATION_DEBUG_LOG_TO_FILE", false); err != nil {
		return c, err
	}
	c.DebugLogDir = getEnvOrDefault("AUTOMATION_DEBUG_LOG_DIR", os.TempDir())

	return c, nil
}

func loadWorker() (WorkerConfig, error) {
	count, err := intFromEnv("WORKER_COUNT", defaultWorkerCount)
	if err != nil {
		return WorkerConfig{}, err
	}
	return WorkerConfig{
		WorkerCount:        count,
		PollInterval:       defaultPollInterval,
		PollIntervalJitter: defaultPollJitter,
		HeartbeatInterval:  defaultHeartbeatInterval,
		OrphanThreshold:    defaultOrphanThreshold,
		OrphanInterval:     defaultOrphanInterval,
		ShutdownTimeout:    defaultShutdownTimeout,
	}, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Env parsing helpers
// ────────────────────────────────────────────────────────────────────────────

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intFromEnv(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func boolFromEnv(key string, defaultVal bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func millisFromEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func secondsFromEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	s, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(s) * time.Second, nil
}
