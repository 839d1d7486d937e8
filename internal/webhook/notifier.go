// Package webhook delivers calibration drift alerts to an external
// endpoint as JSON POSTs with retry on transient failures.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/horadus-ai/horadus/internal/calibration"
)

// Payload is the wire form of one drift notification.
type Payload struct {
	EventType   string                   `json:"event_type"`
	GeneratedAt time.Time                `json:"generated_at"`
	TrendScope  string                   `json:"trend_scope"`
	AlertCount  int                      `json:"alert_count"`
	Alerts      []calibration.DriftAlert `json:"alerts"`
}

// Notifier posts drift alerts to a webhook URL.
type Notifier struct {
	url        string
	client     *http.Client
	logger     *slog.Logger
	maxRetries uint64
	interval   time.Duration
	now        func() time.Time
}

// New creates a notifier. An empty URL disables delivery.
func New(url string, logger *slog.Logger, maxRetries uint64) *Notifier {
	return &Notifier{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		maxRetries: maxRetries,
		interval:   500 * time.Millisecond,
		now:        time.Now,
	}
}

// NotifyDrift delivers the alerts for one trend scope. trendScope is a
// trend ID, or "global" for the cross-trend report. No-op when there
// are no alerts or no URL is configured.
func (n *Notifier) NotifyDrift(ctx context.Context, trendScope string, alerts []calibration.DriftAlert) error {
	if n.url == "" || len(alerts) == 0 {
		return nil
	}
	if trendScope == "" {
		trendScope = "global"
	}

	body, err := json.Marshal(Payload{
		EventType:   "calibration_drift",
		GeneratedAt: n.now().UTC(),
		TrendScope:  trendScope,
		AlertCount:  len(alerts),
		Alerts:      alerts,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, n.maxRetries), ctx)

	err = backoff.Retry(func() error {
		return n.post(ctx, body)
	}, policy)
	if err != nil {
		return fmt.Errorf("webhook: deliver drift alerts: %w", err)
	}

	n.logger.Info("drift alerts delivered", "trend_scope", trendScope, "alerts", len(alerts))
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// Network errors are retryable.
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
	}
}
