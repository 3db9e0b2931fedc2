package spawner

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HealthChecker probes a backend's base URL. A nil return means the backend
// is up and answering HTTP; the error distinguishes "not reachable yet" from
// "reachable but broken" only in its message.
type HealthChecker interface {
	Check(ctx context.Context, baseURL string) error
}

// HTTPHealthChecker implements HealthChecker with a GET against the backend's
// base URL. Any response below 500 counts as healthy: per-user backends are
// opaque and may well 404 or redirect at their root.
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker creates a checker whose individual probes time out
// after requestTimeout.
func NewHTTPHealthChecker(requestTimeout time.Duration) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (h *HTTPHealthChecker) Check(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request for %s: %w", baseURL, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request for %s failed: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check for %s returned status %s", baseURL, resp.Status)
	}
	return nil
}
