package sandbox

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker pings a container's root endpoint to verify it is still
// serving, grounded on
// original_source/executor_manager/services/sandbox/health_checker.py.
type HealthChecker struct {
	httpClient *http.Client
	timeout    time.Duration
	log        zerolog.Logger
}

func NewHealthChecker(timeout time.Duration, log zerolog.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		log:        log.With().Str("component", "container_health_checker").Logger(),
	}
}

// CheckHealth reports whether GET {baseURL}/ returns 200.
func (h *HealthChecker) CheckHealth(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.log.Debug().Err(err).Str("base_url", baseURL).Msg("health check failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WaitForContainerReady polls GetContainerAddress until it returns a
// reachable, healthy base_url or maxRetries attempts (default 30), spaced
// interval apart, are used up.
func (h *HealthChecker) WaitForContainerReady(ctx context.Context, getAddress func(context.Context) (string, bool), maxRetries int, interval time.Duration) (string, bool) {
	if maxRetries <= 0 {
		maxRetries = 30
	}
	if interval <= 0 {
		interval = time.Second
	}
	for i := 0; i < maxRetries; i++ {
		if baseURL, ok := getAddress(ctx); ok && baseURL != "" {
			if h.CheckHealth(ctx, baseURL) {
				return baseURL, true
			}
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(interval):
		}
	}
	return "", false
}
