// Package client is a small Go client for the monitor HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sykell/url-monitor/internal/db"
)

// Body is the payload of a successful response: JSONBody when the server
// labelled it application/json, TextBody otherwise.
type Body interface {
	isBody()
}

// JSONBody holds an undecoded JSON response
type JSONBody struct {
	Raw json.RawMessage
}

// TextBody holds any non-JSON response verbatim
type TextBody struct {
	Text string
}

func (JSONBody) isBody() {}
func (TextBody) isBody() {}

// Decode unmarshals the body into v
func (b JSONBody) Decode(v any) error {
	return json.Unmarshal(b.Raw, v)
}

// APIError is a non-2xx response. Message is the raw body text, or
// "HTTP <code>" when the body was empty.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client talks to the monitor API
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sends token as a bearer credential
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the API at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends a request with an optional JSON body and returns the tagged
// response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) (Body, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(raw)
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return JSONBody{Raw: raw}, nil
	}
	return TextBody{Text: string(raw)}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	res, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	switch b := res.(type) {
	case JSONBody:
		return b.Decode(out)
	case TextBody:
		return fmt.Errorf("expected JSON from %s %s, got: %s", method, path, b.Text)
	}
	return nil
}

// CreateJobRequest is the payload of CreateJob
type CreateJobRequest struct {
	URL             string `json:"url"`
	IntervalSeconds int    `json:"interval_seconds"`
	Mode            string `json:"mode"`
	WebhookURL      string `json:"webhook_url,omitempty"`
}

// RunNowResult is the reply to RunNow
type RunNowResult struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// ListJobs returns every job
func (c *Client) ListJobs(ctx context.Context) ([]db.Job, error) {
	jobs := make([]db.Job, 0)
	if err := c.doJSON(ctx, http.MethodGet, "/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CreateJob creates a job. URLs not starting with "http" get an https://
// prefix.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*db.Job, error) {
	req.URL = strings.TrimSpace(req.URL)
	if !strings.HasPrefix(req.URL, "http") {
		req.URL = "https://" + req.URL
	}
	if req.Mode == "" {
		req.Mode = string(db.ModeAuto)
	}

	var job db.Job
	if err := c.doJSON(ctx, http.MethodPost, "/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob deletes a job
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	_, err := c.Do(ctx, http.MethodDelete, "/jobs/"+id, nil)
	return err
}

// RunNow requests a manual check
func (c *Client) RunNow(ctx context.Context, id string) (*RunNowResult, error) {
	var res RunNowResult
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+id+"/run", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListRuns returns the runs of a job, most recent first. limit <= 0 uses the
// server default.
func (c *Client) ListRuns(ctx context.Context, id string, limit int) ([]db.Run, error) {
	path := "/jobs/" + id + "/runs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	runs := make([]db.Run, 0)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// LatestRun returns the most recent run of a job, or nil when it has none
func (c *Client) LatestRun(ctx context.Context, id string) (*db.Run, error) {
	runs, err := c.ListRuns(ctx, id, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Login exchanges credentials for a bearer token, which the client sends
// from then on.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", body, &res); err != nil {
		return "", err
	}
	c.token = res.Token
	return res.Token, nil
}
