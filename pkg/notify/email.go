package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/qualivox/callaudit/pkg/orchestrator"
)

// EmailSubject renders the notification subject line.
func EmailSubject(n orchestrator.RunNotification) string {
	return fmt.Sprintf("Automation %s - %s", n.ScheduleName, strings.ToUpper(string(n.Status)))
}

// EmailBody renders the plain-text summary.
func EmailBody(n orchestrator.RunNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automation run #%d of schedule %q finished with status %s.\n\n", n.RunID, n.ScheduleName, n.Status)
	fmt.Fprintf(&b, "Duration: %.1fs\n", n.DurationSeconds)
	fmt.Fprintf(&b, "Fiches: %d total, %d successful, %d failed, %d ignored\n",
		n.TotalFiches, n.SuccessfulFiches, n.FailedFiches, n.IgnoredFiches)
	fmt.Fprintf(&b, "Transcriptions run: %d\n", n.TranscriptionsRun)
	fmt.Fprintf(&b, "Audits run: %d\n", n.AuditsRun)
	if n.ErrorMessage != "" {
		fmt.Fprintf(&b, "\nError: %s\n", n.ErrorMessage)
	}
	if len(n.Failures) > 0 {
		b.WriteString("\nFailures:\n")
		for _, f := range n.Failures {
			fmt.Fprintf(&b, "  - fiche %s: %s\n", f.FicheID, f.Error)
		}
	}
	return b.String()
}

func (s *Service) sendEmail(ctx context.Context, n orchestrator.RunNotification) error {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.FromAddr); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(n.Settings.NotifyEmails...); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(EmailSubject(n))
	msg.SetBodyString(mail.TypeTextPlain, EmailBody(n))

	opts := []mail.Option{mail.WithPort(s.cfg.SMTPPort)}
	if s.cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.SMTPUser),
			mail.WithPassword(s.cfg.SMTPPass),
		)
	}
	client, err := mail.NewClient(s.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("failed to build SMTP client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}
