// Package turnstile verifies Cloudflare Turnstile challenge tokens.
package turnstile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

const maxResponseBody = 64 << 10

// Outcome is the verdict for a single token.
type Outcome struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// Client verifies tokens against the siteverify endpoint.
type Client struct {
	secret   string
	endpoint string
	http     *http.Client
}

// Option adjusts a Client.
type Option func(*Client)

// WithEndpoint overrides the verification endpoint, for tests.
func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a Client holding the site secret.
func New(secret string, opts ...Option) *Client {
	c := &Client{
		secret:   secret,
		endpoint: defaultEndpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Verify checks a token. remoteIP is optional and forwarded to the
// verifier when present. A network or decode failure is returned as an
// error, not as a failed Outcome, so callers can choose their policy.
func (c *Client) Verify(ctx context.Context, token, remoteIP string) (Outcome, error) {
	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Outcome{}, fmt.Errorf("turnstile: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("turnstile: verify: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Outcome{}, fmt.Errorf("turnstile: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("turnstile: verify returned status %d", resp.StatusCode)
	}

	var out Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		return Outcome{}, fmt.Errorf("turnstile: decode response: %w", err)
	}
	return out, nil
}
