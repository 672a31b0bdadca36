package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/orchestrator"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.RunStatus]string{
	models.RunStatusCompleted: ":white_check_mark:",
	models.RunStatusPartial:   ":warning:",
	models.RunStatusFailed:    ":x:",
}

var statusLabel = map[models.RunStatus]string{
	models.RunStatusCompleted: "Run Complete",
	models.RunStatusPartial:   "Run Partially Complete",
	models.RunStatusFailed:    "Run Failed",
}

func runURL(runID int64, dashboardURL string) string {
	return fmt.Sprintf("%s/runs/%d", dashboardURL, runID)
}

// BuildRunMessage creates Block Kit blocks for a terminal run notification.
func BuildRunMessage(n orchestrator.RunNotification, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[n.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[n.Status]
	if label == "" {
		label = "Run " + string(n.Status)
	}

	headerText := fmt.Sprintf("%s *%s* — %s", emoji, label, n.ScheduleName)
	if n.ErrorMessage != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(n.ErrorMessage))
	}

	summary := fmt.Sprintf("Fiches: %d total · %d ok · %d failed · %d ignored\nTranscriptions: %d · Audits: %d · Duration: %.1fs",
		n.TotalFiches, n.SuccessfulFiches, n.FailedFiches, n.IgnoredFiches,
		n.TranscriptionsRun, n.AuditsRun, n.DurationSeconds)

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, summary, false, false),
			nil, nil,
		),
	}

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Run", false, false))
		btn.URL = runURL(n.RunID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}
	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — view the run in the dashboard)_"
}
