// Package notify delivers risk alerts to job webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/sykell/url-monitor/internal/db"
)

// Config holds webhook delivery settings
type Config struct {
	MaxRetries     int
	Backoff        time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default webhook settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		Backoff:        1500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

// Alert is the webhook payload for a newly detected risk
type Alert struct {
	JobID     string        `json:"job_id"`
	RunID     string        `json:"run_id"`
	URL       string        `json:"url"`
	RiskLevel db.RiskLevel  `json:"risk_level"`
	Flags     []string      `json:"flags"`
	Evidence  []db.Evidence `json:"evidence"`
	Timestamp time.Time     `json:"timestamp"`
}

// StatusError is returned when the webhook answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

// Notifier posts alerts to webhooks
type Notifier struct {
	client *http.Client
	config Config
}

// NewNotifier creates a webhook notifier
func NewNotifier(config Config) *Notifier {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Notifier{
		client: &http.Client{Timeout: config.RequestTimeout},
		config: config,
	}
}

// Notify posts alert to webhookURL. A total of MaxRetries attempts are made,
// waiting Backoff × attempt between them. An empty webhookURL is a no-op.
func (n *Notifier) Notify(ctx context.Context, webhookURL string, alert Alert) error {
	if webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	attempts := 0
	err = retry.Do(ctx, n.backoff(), func(ctx context.Context) error {
		attempts++
		if err := n.post(ctx, webhookURL, body); err != nil {
			log.Debug().Err(err).Str("job_id", alert.JobID).Int("attempt", attempts).Msg("Webhook delivery failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// backoff waits Backoff, 2×Backoff, ... and allows MaxRetries attempts in total
func (n *Notifier) backoff() retry.Backoff {
	retries := n.config.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	step := 0
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		step++
		return n.config.Backoff * time.Duration(step), false
	})
	return retry.WithMaxRetries(uint64(retries), linear)
}

func (n *Notifier) post(ctx context.Context, webhookURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(text)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
