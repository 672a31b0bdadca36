// Package cleanup enforces the retention policies: expired fiche cache
// rows, old realtime event rows, and finished workflow jobs past their
// TTL.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/qualivox/callaudit/pkg/events"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// Config holds the retention knobs.
type Config struct {
	Interval time.Duration
	EventTTL time.Duration
	JobTTL   time.Duration
}

// LoadConfigFromEnv loads the retention configuration.
func LoadConfigFromEnv() Config {
	return Config{
		Interval: hoursFromEnv("CLEANUP_INTERVAL_HOURS", time.Hour),
		EventTTL: hoursFromEnv("CLEANUP_EVENT_TTL_HOURS", 24*time.Hour),
		JobTTL:   hoursFromEnv("CLEANUP_JOB_TTL_HOURS", 7*24*time.Hour),
	}
}

func hoursFromEnv(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	h, err := strconv.Atoi(raw)
	if err != nil || h <= 0 {
		return defaultVal
	}
	return time.Duration(h) * time.Hour
}

// Service periodically sweeps expired data. All sweeps are idempotent
// and safe to run from multiple pods at once.
type Service struct {
	cfg      Config
	store    *store.Store
	catchup  *events.CatchupStore
	workflow *workflow.Client
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the cleanup service.
func NewService(cfg Config, st *store.Store, catchup *events.CatchupStore, wf *workflow.Client) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		catchup:  catchup,
		workflow: wf,
		logger:   slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.cfg.Interval,
		"event_ttl", s.cfg.EventTTL,
		"job_ttl", s.cfg.JobTTL)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one full sweep.
func (s *Service) RunAll(ctx context.Context) {
	now := time.Now()
	s.sweepFicheCache(ctx, now)
	s.sweepEvents(ctx, now)
	s.sweepJobs(ctx, now)
}

func (s *Service) sweepFicheCache(ctx context.Context, now time.Time) {
	count, err := s.store.Fiches.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Error("Retention: fiche cache sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted expired fiche cache rows", "count", count)
	}
}

func (s *Service) sweepEvents(ctx context.Context, now time.Time) {
	count, err := s.catchup.DeleteOlderThan(ctx, now.Add(-s.cfg.EventTTL))
	if err != nil {
		s.logger.Error("Retention: event sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted old realtime events", "count", count)
	}
}

func (s *Service) sweepJobs(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.JobTTL)
	count, err := s.workflow.DeleteFinishedJobs(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: workflow job sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted finished workflow jobs", "count", count)
	}

	busCount, err := s.workflow.DeleteOldBusEvents(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: bus event sweep failed", "error", err)
		return
	}
	if busCount > 0 {
		s.logger.Info("Retention: deleted old bus events", "count", busCount)
	}
}
