package crm

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the CRM API connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LoadConfig reads the CRM_API_* environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		BaseURL: os.Getenv("CRM_API_URL"),
		APIKey:  os.Getenv("CRM_API_KEY"),
		Timeout: 30 * time.Second,
	}
	if cfg.BaseURL == "" {
		return cfg, fmt.Errorf("CRM_API_URL is required")
	}
	if raw := os.Getenv("CRM_API_TIMEOUT_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid CRM_API_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	return cfg, nil
}
