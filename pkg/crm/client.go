// Package crm is the HTTP client for the sales CRM: the per-day sales
// list and the per-fiche details endpoint.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrFicheNotFound is returned when the CRM reports a fiche as gone.
// Callers persist the terminal NOT_FOUND marker instead of retrying.
var ErrFicheNotFound = errors.New("fiche not found")

// maxAttempts bounds retries per CRM call: the first try plus two
// retries at 2s and 4s.
const maxAttempts = 3

// SalesListEntry is one row of the per-day sales list.
type SalesListEntry struct {
	FicheID       int64           `json:"fiche_id"`
	Cle           string          `json:"cle"`
	Groupe        string          `json:"groupe"`
	HasRecordings bool            `json:"has_recordings"`
	Raw           json.RawMessage `json:"-"`
}

// RecordingInfo is one audio recording attached to a fiche.
type RecordingInfo struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// FicheDetails is the authoritative per-fiche payload.
type FicheDetails struct {
	FicheID    int64           `json:"fiche_id"`
	Cle        string          `json:"cle"`
	Groupe     string          `json:"groupe"`
	Recordings []RecordingInfo `json:"recordings"`
	Raw        json.RawMessage `json:"-"`
}

// Client calls the CRM API with bounded exponential-backoff retries.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// newPolicy builds the retry schedule; overridable in tests.
	newPolicy func() backoff.BackOff
}

// NewClient creates a CRM client from its configuration section.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		newPolicy:  newRetryPolicy,
	}
}

// SalesList fetches the sales list for one day. date uses the CRM's
// DD/MM/YYYY format.
func (c *Client) SalesList(ctx context.Context, date string) ([]SalesListEntry, error) {
	endpoint := fmt.Sprintf("%s/sales?date=%s", c.baseURL, url.QueryEscape(date))

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("sales list for %s: %w", date, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode sales list for %s: %w", date, err)
	}

	entries := make([]SalesListEntry, 0, len(raw))
	for _, r := range raw {
		var e SalesListEntry
		if err := json.Unmarshal(r, &e); err != nil {
			return nil, fmt.Errorf("failed to decode sales list entry for %s: %w", date, err)
		}
		e.Raw = r
		entries = append(entries, e)
	}
	return entries, nil
}

// Details fetches the full details of one fiche. The cle is the
// per-fiche authorization token the sales list returned.
// ErrFicheNotFound on 404.
func (c *Client) Details(ctx context.Context, ficheID int64, cle string) (*FicheDetails, error) {
	endpoint := fmt.Sprintf("%s/fiches/%s?cle=%s",
		c.baseURL, strconv.FormatInt(ficheID, 10), url.QueryEscape(cle))

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		if errors.Is(err, ErrFicheNotFound) {
			return nil, fmt.Errorf("fiche %d: %w", ficheID, ErrFicheNotFound)
		}
		return nil, fmt.Errorf("fiche %d details: %w", ficheID, err)
	}

	var details FicheDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("failed to decode details of fiche %d: %w", ficheID, err)
	}
	details.Raw = body
	if details.FicheID == 0 {
		details.FicheID = ficheID
	}
	return &details, nil
}

// getWithRetry performs one GET with up to maxAttempts tries. Network
// errors and 5xx responses retry; 4xx responses are permanent.
func (c *Client) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte

	operation := func() error {
		var err error
		body, err = c.get(ctx, endpoint)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newPolicy(), maxAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("CRM call failed, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// newRetryPolicy is the 2s/4s exponential schedule.
func newRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	return b
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build CRM request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("CRM request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read CRM response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrFicheNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("CRM returned %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("CRM returned %d", resp.StatusCode))
	}
}
