// Package metric reads the published daily metric the rounds are settled on.
package metric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"daily-wager-bot/internal/config"
	"daily-wager-bot/internal/model"
)

// Metric source errors.
var (
	ErrNotConfigured = errors.New("metric url is not configured")
	ErrNoTimestamp   = errors.New("metric snapshot has no as_of timestamp")
)

// Client fetches snapshots from an HTTP JSON endpoint returning
// {"value": int, "total": int, "as_of": RFC3339}.
type Client struct {
	http *http.Client
	url  string
}

// NewClient creates a metric client.
func NewClient(cfg *config.MetricConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		url:  cfg.URL,
	}
}

// Fetch returns the latest published snapshot.
func (c *Client) Fetch(ctx context.Context) (model.MetricSnapshot, error) {
	if c.url == "" {
		return model.MetricSnapshot{}, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Errorf("failed to build metric request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Errorf("failed to fetch metric: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.MetricSnapshot{}, fmt.Errorf("metric source returned %d: %s", resp.StatusCode, string(body))
	}

	var snap model.MetricSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return model.MetricSnapshot{}, fmt.Errorf("failed to decode metric: %w", err)
	}
	if snap.AsOf.IsZero() {
		return model.MetricSnapshot{}, ErrNoTimestamp
	}
	snap.AsOf = snap.AsOf.UTC()
	return snap, nil
}
