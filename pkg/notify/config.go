package notify

import (
	"os"
	"strconv"
	"time"
)

// Config holds the notification sink credentials. Schedules decide per
// run whether and where to notify; this section only provides transport.
type Config struct {
	WebhookTimeout time.Duration

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	FromAddr string

	SlackToken   string
	SlackChannel string

	DashboardURL string
}

// LoadConfigFromEnv loads the notification configuration.
func LoadConfigFromEnv() Config {
	port := 587
	if raw := os.Getenv("SMTP_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	timeout := 10 * time.Second
	if raw := os.Getenv("NOTIFY_WEBHOOK_TIMEOUT_MS"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return Config{
		WebhookTimeout: timeout,
		SMTPHost:       os.Getenv("SMTP_HOST"),
		SMTPPort:       port,
		SMTPUser:       os.Getenv("SMTP_USER"),
		SMTPPass:       os.Getenv("SMTP_PASSWORD"),
		FromAddr:       getEnvOrDefault("SMTP_FROM", "automation@callaudit.local"),
		SlackToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:   os.Getenv("SLACK_CHANNEL_ID"),
		DashboardURL:   os.Getenv("DASHBOARD_URL"),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
