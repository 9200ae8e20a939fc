package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/sykell/url-monitor/internal/db"
)

// Config holds fetcher configuration
type Config struct {
	UserAgent        string
	RequestTimeout   time.Duration
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxBodyBytes     int64
	AutoMinTextLines int
}

// DefaultConfig returns default fetcher configuration
func DefaultConfig() *Config {
	return &Config{
		UserAgent:        "Mozilla/5.0 (compatible; URLMonitorBot/1.0)",
		RequestTimeout:   15 * time.Second,
		MaxRetries:       3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		MaxBodyBytes:     5 << 20,
		AutoMinTextLines: 5,
	}
}

// Fetcher downloads pages and extracts their content
type Fetcher struct {
	client *http.Client
	config *Config
}

// NewFetcher creates a new fetcher
func NewFetcher(config *Config) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}

	return &Fetcher{
		config: config,
		client: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch downloads address and extracts its content according to mode.
// Transient failures are retried with exponential backoff until MaxRetries is
// exhausted or ctx expires; an expired deadline is reported as TimeoutError.
func (f *Fetcher) Fetch(ctx context.Context, address string, mode db.JobMode) (*Page, error) {
	var page *Page
	attempts := 0

	operation := func() error {
		attempts++
		p, err := f.fetchOnce(ctx, address, mode)
		if err == nil {
			page = p
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var transient *TransientNetworkError
		if errors.As(err, &transient) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.config.MaxRetries)), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("url", address).Int("attempt", attempts).Dur("wait", wait).Msg("Retrying fetch")
	})
	if err == nil {
		return page, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &TimeoutError{URL: address, Attempts: attempts, Err: err}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		transient.Attempts = attempts
	}
	return nil, err
}

func (f *Fetcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.config.InitialBackoff
	b.MaxInterval = f.config.MaxBackoff
	// the overall bound is the caller's context
	b.MaxElapsedTime = 0
	return b
}

// fetchOnce performs a single GET and parses the response
func (f *Fetcher) fetchOnce(ctx context.Context, address string, mode db.JobMode) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		return nil, &TransientNetworkError{URL: address, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientNetworkError{URL: address, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: address, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, &ContentTypeError{URL: address, ContentType: resp.Header.Get("Content-Type"), Err: err}
	}

	body := io.LimitReader(resp.Body, f.config.MaxBodyBytes)
	page, err := ParseDocument(body, resp.Request.URL.String(), mode, f.config.AutoMinTextLines)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// checkContentType accepts HTML and responses that carry no type at all
func checkContentType(header string) error {
	if header == "" {
		return nil
	}
	// a malformed parameter still yields the media type
	mediaType, _, err := mime.ParseMediaType(header)
	if mediaType == "" {
		return err
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return nil
	}
	return fmt.Errorf("unsupported media type %q", mediaType)
}
