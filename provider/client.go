// Package provider implements the client for the external reverse-image
// search API: task submission, result polling, and normalization of the
// provider's heterogeneous response shapes into a uniform result list.
// Transient failures (5xx, 429, timeouts) are retried with exponential
// backoff and jitter; client errors fail immediately.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/pictrace/pictrace/fault"
)

const (
	submitPath = "/search/tasks"
	fetchPath  = "/search/tasks/"

	// maxResponseBody caps provider response reads (1 MiB).
	maxResponseBody int64 = 1 << 20

	// rawBodySample is how much of a rejected response is kept for
	// internal logging.
	rawBodySample = 512
)

// Client talks to the search provider. Safe for concurrent use.
type Client struct {
	baseURL  string
	login    string
	password string
	httpc    *http.Client

	maxAttempts  int
	timeout      time.Duration
	backoffBase  time.Duration
	jitter       func() time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	locationCode int
	languageCode string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Client) { p.httpc = c }
}

// WithMaxAttempts sets the total attempt budget per operation. Default: 3.
func WithMaxAttempts(n int) Option {
	return func(p *Client) { p.maxAttempts = n }
}

// WithTimeout sets the per-attempt timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Client) { p.timeout = d }
}

// WithBackoff sets the backoff base (doubled each attempt) and the
// jitter source. Defaults: 1s base, random 0–1s jitter.
func WithBackoff(base time.Duration, jitter func() time.Duration) Option {
	return func(p *Client) {
		p.backoffBase = base
		if jitter != nil {
			p.jitter = jitter
		}
	}
}

// WithSleep sets the inter-attempt delay function (for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Client) { p.sleep = fn }
}

// WithLocale sets the location and language codes sent on submission.
// Defaults: 2840 (US), "en".
func WithLocale(locationCode int, languageCode string) Option {
	return func(p *Client) {
		p.locationCode = locationCode
		p.languageCode = languageCode
	}
}

// New creates a provider client authenticating with the given Basic
// auth credentials.
func New(baseURL, login, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		login:        login,
		password:     password,
		httpc:        &http.Client{},
		maxAttempts:  3,
		timeout:      30 * time.Second,
		backoffBase:  time.Second,
		jitter:       func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
		locationCode: 2840,
		languageCode: "en",
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit creates a search task for imageURL. Providers that complete
// the task synchronously return results inline on the Submission.
func (c *Client) Submit(ctx context.Context, imageURL string) (*Submission, error) {
	payload, err := json.Marshal(submitRequest{
		ImageURL:     imageURL,
		LocationCode: c.locationCode,
		LanguageCode: c.languageCode,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal submit: %w", err)
	}

	body, err := c.do(ctx, "submit", http.MethodPost, c.baseURL+submitPath, payload)
	if err != nil {
		return nil, err
	}

	resp, err := parseResponse(body)
	if err != nil {
		return nil, err
	}
	t := resp.Tasks[0]
	if t.ID == "" {
		return nil, &fault.ProviderClient{
			StatusCode:   400,
			ProviderCode: fmt.Sprintf("%d", t.StatusCode),
			RawBody:      sample(body),
		}
	}

	sub := &Submission{TaskID: t.ID}
	for _, r := range t.Result {
		if sub.CheckURL == "" {
			sub.CheckURL = r.CheckURL
		}
		sub.Results = append(sub.Results, normalize(r.Items)...)
	}
	sub.Results = dedupeByPageURL(sub.Results)
	return sub, nil
}

// Fetch polls a previously submitted task. Ready is false while the
// provider has not produced items yet.
func (c *Client) Fetch(ctx context.Context, taskID string) (*Fetched, error) {
	body, err := c.do(ctx, "fetch", http.MethodGet, c.baseURL+fetchPath+taskID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := parseResponse(body)
	if err != nil {
		return nil, err
	}
	t := resp.Tasks[0]

	f := &Fetched{}
	for _, r := range t.Result {
		if f.CheckURL == "" {
			f.CheckURL = r.CheckURL
		}
		f.Results = append(f.Results, normalize(r.Items)...)
	}
	f.Results = dedupeByPageURL(f.Results)
	f.Ready = len(f.Results) > 0
	return f, nil
}

// do runs one provider operation under the retry policy: up to
// maxAttempts attempts, each bounded by the per-attempt timeout; 5xx
// and 429 retried with exponential backoff plus jitter; other 4xx and
// auth failures fail immediately.
func (c *Client) do(ctx context.Context, op, method, url string, payload []byte) ([]byte, error) {
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoffBase*(1<<uint(attempt-1)) + c.jitter()
			slog.Debug("provider: retrying", "op", op, "attempt", attempt+1, "backoff", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, lastErr
			}
		}

		body, status, err := c.attempt(ctx, op, method, url, payload)
		if err == nil {
			return body, nil
		}

		// Non-retryable outcomes surface as-is.
		var pc *fault.ProviderClient
		if errors.As(err, &pc) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		lastStatus = status
	}

	return nil, &fault.ProviderTransient{
		StatusCode: lastStatus,
		Attempts:   c.maxAttempts,
		Cause:      lastErr,
	}
}

// attempt performs a single HTTP exchange with the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, op, method, url string, payload []byte) ([]byte, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("provider: build request: %w", err)
	}
	req.SetBasicAuth(c.login, c.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return nil, 0, &fault.Network{Op: op, Timeout: timedOut, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, &fault.Network{Op: op, Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, resp.StatusCode, nil
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return nil, resp.StatusCode, fmt.Errorf("provider: %s returned %d", op, resp.StatusCode)
	default:
		// 4xx other than 429, auth failures included: never retried.
		return nil, resp.StatusCode, &fault.ProviderClient{
			StatusCode: resp.StatusCode,
			RawBody:    sample(raw),
		}
	}
}

func parseResponse(body []byte) (*apiResponse, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &fault.ProviderClient{StatusCode: 502, RawBody: sample(body)}
	}
	if len(resp.Tasks) == 0 {
		return nil, &fault.ProviderClient{
			StatusCode:   502,
			ProviderCode: fmt.Sprintf("%d", resp.StatusCode),
			RawBody:      sample(body),
		}
	}
	return &resp, nil
}

func dedupeByPageURL(results []SearchResult) []SearchResult {
	if len(results) < 2 {
		return results
	}
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		if seen[r.PageURL] {
			continue
		}
		seen[r.PageURL] = true
		out = append(out, r)
	}
	return out
}

func sample(body []byte) string {
	if len(body) > rawBodySample {
		body = body[:rawBodySample]
	}
	return string(body)
}
