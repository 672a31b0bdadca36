package config

import "time"

// MaxRecordingsCeiling is the hard upper bound on recordings per fiche.
// Schedule-level maxRecordingsPerFiche values are clamped to it.
const MaxRecordingsCeiling = 50

const (
	defaultHost = "0.0.0.0"
	defaultPort = 8080

	defaultSchedulerCron = "* * * * *"
	defaultWindowMinutes = 20
	minWindowMinutes     = 5
	defaultStaleGrace    = 30 * time.Minute

	defaultDayConcurrency    = 3
	defaultFicheConcurrency  = 5
	defaultDayBatchSize      = 3
	defaultFicheBatchSize    = 5
	defaultRecordingFanout   = 10
	defaultSendEventChunkSize = 200

	defaultFicheCacheTTLHours = 24

	defaultFicheDetailsMaxWait  = 10 * time.Minute
	defaultFicheDetailsPoll     = 20 * time.Second
	defaultTranscriptionMaxWait = 4 * time.Hour
	defaultTranscriptionPoll    = 30 * time.Second
	defaultAuditMaxWait         = 30 * time.Minute
	defaultAuditPoll            = 30 * time.Second

	defaultWorkerCount       = 8
	defaultPollInterval      = 1 * time.Second
	defaultPollJitter        = 250 * time.Millisecond
	defaultHeartbeatInterval = 30 * time.Second
	defaultOrphanThreshold   = 2 * time.Minute
	defaultOrphanInterval    = 1 * time.Minute
	defaultShutdownTimeout   = 25 * time.Second
)
