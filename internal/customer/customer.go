// Package customer looks up customer profiles from an external customer API.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound means the API answered and has no such customer.
	ErrNotFound = errors.New("customer not found")
	// ErrUnavailable means no answer could be obtained: the API is not
	// configured, unreachable, failing, or returned an unreadable body.
	ErrUnavailable = errors.New("customer api unavailable")
)

const (
	defaultTimeout  = 10 * time.Second
	maxProfileBytes = 1 << 20
)

// Info is a customer profile as returned by the API. Its shape is owned by
// the API and kept opaque.
type Info map[string]any

// Config configures the client.
type Config struct {
	APIURL  string
	Token   string
	Timeout time.Duration
}

// Client calls GET {APIURL}/{userID}. A zero APIURL yields a client whose
// lookups always report ErrUnavailable.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client. A nil httpClient gets a default one.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{config: cfg, http: httpClient, logger: logger}
}

// Configured reports whether an API URL is set.
func (c *Client) Configured() bool {
	return c.config.APIURL != ""
}

// Lookup fetches the profile for userID. The returned error is always
// ErrNotFound or wraps ErrUnavailable.
func (c *Client) Lookup(ctx context.Context, userID string) (Info, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: api url not configured", ErrUnavailable)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	target := c.config.APIURL + "/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "customer api request failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		c.logger.WarnContext(ctx, "customer api returned error status", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %v", ErrUnavailable, err)
	}
	return info, nil
}
