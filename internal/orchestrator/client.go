// Package orchestrator talks to the job-orchestration platform that runs
// remediation playbooks. Without a base URL it runs in an offline mock mode.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

type Config struct {
	BaseURL    string
	Token      string
	VerifySSL  bool
	Timeout    time.Duration
	MaxRetries uint
}

// StatusError is a non-2xx response from the platform.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

type LaunchResult struct {
	JobID  int            `json:"job_id"`
	Status data.JobStatus `json:"status"`
	URL    string         `json:"url"`
}

type JobState struct {
	JobID    int            `json:"job_id"`
	Status   data.JobStatus `json:"status"`
	Finished bool           `json:"finished"`
	Failed   bool           `json:"failed"`
	Elapsed  float64        `json:"elapsed"`
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithRetryInterval sets the first backoff interval between retries.
func WithRetryInterval(d time.Duration) Option { return func(c *Client) { c.retryInterval = d } }

type Client struct {
	cfg           Config
	http          *http.Client
	now           func() time.Time
	retryInterval time.Duration

	mu         sync.Mutex
	mockLaunch map[int]time.Time
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:           cfg,
		now:           time.Now,
		retryInterval: 300 * time.Millisecond,
		mockLaunch:    make(map[int]time.Time),
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-out
	}
	c.http = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mock reports whether the client simulates the platform locally.
func (c *Client) Mock() bool { return c.cfg.BaseURL == "" }

func (c *Client) LaunchJob(ctx context.Context, templateID int, extraVars map[string]any) (LaunchResult, error) {
	if c.Mock() {
		return c.mockLaunchJob(templateID), nil
	}

	payload := map[string]any{}
	if len(extraVars) > 0 {
		payload["extra_vars"] = extraVars
	}
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v2/job_templates/%d/launch/", templateID), nil, payload)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("launch job template %d: %w", templateID, err)
	}
	var resp struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return LaunchResult{}, fmt.Errorf("decode launch response: %w", err)
	}
	slog.Info("launched remediation job", "template_id", templateID, "job_id", resp.ID)
	status := data.JobPending
	if resp.Status != "" {
		status = mapStatus(resp.Status)
	}
	return LaunchResult{JobID: resp.ID, Status: status, URL: resp.URL}, nil
}

func (c *Client) JobStatus(ctx context.Context, jobID int) (JobState, error) {
	if c.Mock() {
		return c.mockJobStatus(jobID), nil
	}

	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/jobs/%d/", jobID), nil, nil)
	if err != nil {
		return JobState{}, fmt.Errorf("job %d status: %w", jobID, err)
	}
	var resp struct {
		Status  string  `json:"status"`
		Failed  bool    `json:"failed"`
		Elapsed float64 `json:"elapsed"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return JobState{}, fmt.Errorf("decode job %d status: %w", jobID, err)
	}
	status := mapStatus(resp.Status)
	return JobState{
		JobID:    jobID,
		Status:   status,
		Finished: status.Finished(),
		Failed:   resp.Failed || status == data.JobFailed,
		Elapsed:  resp.Elapsed,
	}, nil
}

func (c *Client) JobOutput(ctx context.Context, jobID int) (string, error) {
	if c.Mock() {
		return mockOutput(jobID), nil
	}
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/jobs/%d/stdout/", jobID), url.Values{"format": {"txt"}}, nil)
	if err != nil {
		return "", fmt.Errorf("job %d output: %w", jobID, err)
	}
	return string(body), nil
}

// mapStatus folds the platform's job states onto the local lifecycle.
func mapStatus(s string) data.JobStatus {
	switch strings.ToLower(s) {
	case "running":
		return data.JobRunning
	case "successful":
		return data.JobSuccessful
	case "failed", "error":
		return data.JobFailed
	case "canceled", "cancelled":
		return data.JobCancelled
	default:
		return data.JobPending
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(raw))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			se := &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if retryable(resp.StatusCode) {
				return nil, se
			}
			return nil, backoff.Permanent(se)
		}
		return body, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("orchestrator request failed, retrying", "method", method, "url", target, "error", err, "retry_in", next)
		}),
	)
}
