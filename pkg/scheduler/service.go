// Package scheduler turns cron time into bus events. A robfig/cron
// instance fires once per minute (configurable) and sends one
// automation/tick event whose id is derived from the minute, so any
// number of replicas firing the same minute produce exactly one tick job.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qualivox/callaudit/pkg/workflow"
)

// sendTimeout bounds one tick event send.
const sendTimeout = 30 * time.Second

// Service owns the cron loop producing tick events.
type Service struct {
	cron   *cron.Cron
	client *workflow.Client
	spec   string
	logger *slog.Logger
}

// NewService creates the cron service. spec is a standard five-field cron
// expression, normally every minute.
func NewService(client *workflow.Client, spec string) *Service {
	return &Service{
		cron:   cron.New(),
		client: client,
		spec:   spec,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Start registers the tick emitter and starts the cron loop.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.emitTick); err != nil {
		return fmt.Errorf("invalid scheduler cron %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "cron", s.spec)
	return nil
}

// Stop halts the cron loop and waits for an in-flight emit.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// emitTick sends the minute's tick event. The minute-derived id makes the
// send idempotent across replicas and cron jitter.
func (s *Service) emitTick() {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	minute := time.Now().Truncate(time.Minute)
	event := workflow.Event{
		ID:   TickEventID(minute),
		Name: EventTick,
		Data: TickPayload{FiredAt: minute.UTC().Format(time.RFC3339)},
	}
	accepted, err := s.client.Send(ctx, event)
	if err != nil {
		s.logger.Error("Failed to send tick event", "event_id", event.ID, "error", err)
		return
	}
	if accepted == 0 {
		s.logger.Debug("Tick already emitted for minute", "event_id", event.ID)
	}
}

// TickEventID is the deterministic id of one minute's tick.
func TickEventID(minute time.Time) string {
	return fmt.Sprintf("automation-scheduler-tick-%d", minute.Truncate(time.Minute).UnixMilli())
}
