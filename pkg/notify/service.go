// Package notify delivers terminal run notifications to the sinks a
// schedule opted into: an operator webhook, email, and Slack.
package notify

import (
	"context"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/qualivox/callaudit/pkg/orchestrator"
)

// sinkTimeout bounds each sink's delivery; the notify step must never
// hold the run job hostage to a slow SMTP server.
const sinkTimeout = 30 * time.Second

// Service fans a run summary out to the configured sinks.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	cfg     Config
	webhook *webhookSender
	slack   *goslack.Client
	logger  *slog.Logger
}

// NewService creates the notification service. Sinks without credentials
// are simply skipped at delivery time.
func NewService(cfg Config) *Service {
	s := &Service{
		cfg:     cfg,
		webhook: newWebhookSender(cfg.WebhookTimeout),
		logger:  slog.Default().With("component", "notify"),
	}
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		s.slack = goslack.New(cfg.SlackToken)
	}
	return s
}

// NewServiceWithSlackAPIURL targets a custom Slack API URL. Useful for
// testing with a mock server.
func NewServiceWithSlackAPIURL(cfg Config, apiURL string) *Service {
	s := NewService(cfg)
	s.slack = goslack.New(cfg.SlackToken, goslack.OptionAPIURL(apiURL))
	return s
}

// RunFinished delivers the terminal summary. Fail-open: every sink error
// is logged and swallowed; the run already finalized and a notification
// problem must not fail it.
func (s *Service) RunFinished(ctx context.Context, n orchestrator.RunNotification) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if n.Settings.WebhookURL != "" {
		if err := s.webhook.send(ctx, n.Settings.WebhookURL, buildWebhookPayload(n)); err != nil {
			s.logger.Error("Failed to deliver webhook notification",
				"run_id", n.RunID, "schedule_id", n.ScheduleID, "error", err)
		}
	}

	if len(n.Settings.NotifyEmails) > 0 && s.cfg.SMTPHost != "" {
		if err := s.sendEmail(ctx, n); err != nil {
			s.logger.Error("Failed to deliver email notification",
				"run_id", n.RunID, "schedule_id", n.ScheduleID, "error", err)
		}
	}

	if s.slack != nil {
		if err := s.sendSlack(ctx, n); err != nil {
			s.logger.Error("Failed to deliver Slack notification",
				"run_id", n.RunID, "schedule_id", n.ScheduleID, "error", err)
		}
	}
}

func (s *Service) sendSlack(ctx context.Context, n orchestrator.RunNotification) error {
	blocks := BuildRunMessage(n, s.cfg.DashboardURL)
	_, _, err := s.slack.PostMessageContext(ctx, s.cfg.SlackChannel,
		goslack.MsgOptionBlocks(blocks...))
	return err
}
