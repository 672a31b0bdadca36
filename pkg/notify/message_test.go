package notify

import (
	"strings"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/pkg/models"
)

func TestEmailSubject(t *testing.T) {
	n := sampleNotification()
	assert.Equal(t, "Automation Nightly QA - PARTIAL", EmailSubject(n))

	n.Status = models.RunStatusCompleted
	assert.Equal(t, "Automation Nightly QA - COMPLETED", EmailSubject(n))
}

func TestEmailBody(t *testing.T) {
	body := EmailBody(sampleNotification())
	assert.Contains(t, body, "finished with status partial")
	assert.Contains(t, body, "10 total, 8 successful, 2 failed, 0 ignored")
	assert.Contains(t, body, "fiche 42: audit failed: boom")
}

func TestBuildRunMessage(t *testing.T) {
	blocks := BuildRunMessage(sampleNotification(), "https://dash.example.com")
	require.Len(t, blocks, 3)

	header, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, header.Text.Text, ":warning:")
	assert.Contains(t, header.Text.Text, "Nightly QA")
	assert.Contains(t, header.Text.Text, "audit failed: boom")

	summary, ok := blocks[1].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, summary.Text.Text, "10 total")

	actions, ok := blocks[2].(*goslack.ActionBlock)
	require.True(t, ok)
	btn, ok := actions.Elements.ElementSet[0].(*goslack.ButtonBlockElement)
	require.True(t, ok)
	assert.Equal(t, "https://dash.example.com/runs/91", btn.URL)
}

func TestBuildRunMessage_NoDashboardOmitsButton(t *testing.T) {
	blocks := BuildRunMessage(sampleNotification(), "")
	assert.Len(t, blocks, 2)
}

func TestTruncateForSlack(t *testing.T) {
	long := strings.Repeat("x", maxBlockTextLength+100)
	out := truncateForSlack(long)
	assert.Less(t, len(out), len(long)+100)
	assert.Contains(t, out, "truncated")

	n := sampleNotification()
	n.Status = "unknown"
	blocks := BuildRunMessage(n, "")
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":question:")
}
