// Package proxy talks to the external reverse proxy's routing-table
// administration API, and provides an embeddable reference proxy that
// implements the same contract for development and tests.
//
// The wire contract: routes live under /api/routes; adding is a PUT to
// /api/routes/<prefix> with body {"target": url}, removal is a DELETE, and
// GET /api/routes returns {prefix: {"target": url}}. Every call carries
// "Authorization: token <secret>" with the shared secret known only to the
// hub and the proxy.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrProxyUnreachable reports that the proxy admin API stayed unreachable
// through the full retry budget. Routing state is suspect once this is
// returned; the orchestrator halts new route additions until a successful
// reconcile.
var ErrProxyUnreachable = errors.New("proxy admin API unreachable")

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// ClientConfig holds configuration for the proxy admin client.
type ClientConfig struct {
	// BaseURL of the proxy's admin API, e.g. http://127.0.0.1:8001.
	BaseURL string
	// AuthToken is the shared secret sent with every admin request.
	AuthToken string
	// MaxAttempts bounds retries for each operation. Defaults to 5.
	MaxAttempts int
	// InitialBackoff is the first retry delay, doubled per attempt up to
	// MaxBackoff. Defaults to 250ms / 5s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestTimeout bounds a single HTTP request. Defaults to 10s.
	RequestTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client maintains the routing table of a separate reverse-proxy process.
// All operations retry transient failures with bounded exponential backoff:
// the proxy is an independent process and may be momentarily unreachable
// during its own startup.
type Client struct {
	baseURL        string
	authToken      string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	client         *http.Client
	logger         *slog.Logger
}

// NewClient creates a proxy admin client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("proxy admin URL is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	initialBackoff := config.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = defaultInitialBackoff
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = defaultMaxBackoff
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:        strings.TrimSuffix(config.BaseURL, "/"),
		authToken:      config.AuthToken,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		client:         &http.Client{Timeout: requestTimeout},
		logger:         logger.With("component", "ProxyClient"),
	}, nil
}

// AddRoute registers prefix -> targetURL in the proxy's routing table.
func (c *Client) AddRoute(ctx context.Context, prefix, targetURL string) error {
	body, err := json.Marshal(map[string]string{"target": targetURL})
	if err != nil {
		return fmt.Errorf("failed to encode route body: %w", err)
	}
	return c.doWithRetry(ctx, http.MethodPut, c.routeURL(prefix), body, nil)
}

// RemoveRoute deletes prefix from the proxy's routing table. Removing a route
// the proxy does not know is idempotent success.
func (c *Client) RemoveRoute(ctx context.Context, prefix string) error {
	return c.doWithRetry(ctx, http.MethodDelete, c.routeURL(prefix), nil, nil)
}

// ListRoutes returns the proxy's full routing table as prefix -> target URL.
// The proxy's table, not the hub's mirror, is the source of truth.
func (c *Client) ListRoutes(ctx context.Context) (map[string]string, error) {
	var table map[string]struct {
		Target string `json:"target"`
	}
	err := c.doWithRetry(ctx, http.MethodGet, c.baseURL+"/api/routes", nil, &table)
	if err != nil {
		return nil, err
	}

	routes := make(map[string]string, len(table))
	for prefix, entry := range table {
		routes[prefix] = entry.Target
	}
	return routes, nil
}

func (c *Client) routeURL(prefix string) string {
	return c.baseURL + "/api/routes" + prefix
}

// doWithRetry runs one admin request, retrying transport errors and 5xx
// responses with exponential backoff. A 404 on DELETE counts as success.
func (c *Client) doWithRetry(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var lastErr error
	backoff := c.initialBackoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.do(ctx, method, url, body, out)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == c.maxAttempts {
			break
		}

		c.logger.Warn("Proxy request failed, retrying",
			"method", method, "url", url, "attempt", attempt, "backoff", backoff, "error", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrProxyUnreachable, ctx.Err())
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	c.logger.Error("Proxy request failed after all retries", "method", method, "url", url, "attempts", c.maxAttempts, "error", lastErr)
	return fmt.Errorf("%w after %d attempts: %w", ErrProxyUnreachable, c.maxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create proxy request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &transientError{err}
	}
	defer resp.Body.Close()

	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &transientError{fmt.Errorf("proxy returned status %s", resp.Status)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("proxy returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode proxy response: %w", err)
		}
	}
	return nil
}

// transientError marks failures worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
