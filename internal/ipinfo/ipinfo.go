// Package ipinfo resolves this host's public network address through an
// external lookup service. The result is advisory only: it is recorded on the
// session row for operators and never used as an authorization input.
package ipinfo

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nexahse.org/internal/obs"
)

// Unknown is the sentinel returned when resolution fails for any reason.
const Unknown = "Unknown"

const (
	defaultEndpoint = "https://api.ipify.org?format=json"
	defaultTimeout  = 5 * time.Second
)

// Client queries a JSON ip-echo endpoint.
type Client struct {
	endpoint string
	httpc    *http.Client
}

// Option configures Client.
type Option func(*Client)

// WithEndpoint overrides the lookup endpoint.
func WithEndpoint(url string) Option {
	return func(c *Client) {
		if strings.TrimSpace(url) != "" {
			c.endpoint = url
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// New constructs a Client with sensible defaults.
func New(opts ...Option) *Client {
	c := &Client{
		endpoint: defaultEndpoint,
		httpc:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PublicAddress returns the caller's public address, or Unknown when the
// lookup fails. Failures are logged and swallowed: address resolution is
// never fatal to sign-in.
func (c *Client) PublicAddress(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Unknown
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		obs.Log("warn", "public address lookup failed", map[string]any{"error": err.Error()})
		return Unknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Unknown
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Unknown
	}
	if strings.TrimSpace(payload.IP) == "" {
		return Unknown
	}
	return payload.IP
}
