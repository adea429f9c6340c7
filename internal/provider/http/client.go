// Package http implements the provider interfaces against the platform's
// JSON services. Every client sits behind a circuit breaker.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
	"github.com/kostush/purchase-gateway-sub005/pkg/httpclient"
)

// CircuitOpenFallback turns an open breaker into a 503 AppError instead of
// letting gobreaker's ErrOpenState leak to callers.
func CircuitOpenFallback(_ context.Context, err error) (*http.Response, error) {
	return nil, apperrors.New("SERVICE_UNAVAILABLE", http.StatusServiceUnavailable,
		"downstream service is temporarily unavailable, please retry later",
		fmt.Errorf("%w: %w", apperrors.ErrServiceUnavail, err))
}

// NewBreakerDoer builds the retrying client and wraps it in a breaker named
// after the downstream.
func NewBreakerDoer(clientCfg httpclient.Config, cbCfg httpclient.CircuitBreakerConfig, logger *slog.Logger) *httpclient.CircuitBreakerClient {
	return httpclient.NewCircuitBreakerClient(httpclient.New(clientCfg), cbCfg, logger).
		WithFallback(CircuitOpenFallback)
}
