package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kostush/purchase-gateway-sub005/internal/service"
	"github.com/kostush/purchase-gateway-sub005/pkg/health"
	"github.com/kostush/purchase-gateway-sub005/pkg/middleware"
)

const serviceName = "purchase-gateway"

// RateLimit bounds command requests per client IP. A zero RPS disables it.
type RateLimit struct {
	RPS   float64
	Burst int
}

// NewRouter creates a chi router with all purchase gateway routes registered.
func NewRouter(
	purchaseService *service.PurchaseService,
	healthHandler *health.Handler,
	limit RateLimit,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	h := NewPurchaseHandler(purchaseService, logger)

	r.Route("/api/v1/purchases", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limit.RPS, limit.Burst, logger))
			r.Use(ContentTypeJSON)

			r.Post("/", h.InitPurchase)
			r.Get("/{sessionId}", h.GetPurchase)
			r.Post("/{sessionId}/process", h.ProcessPurchase)
			r.Post("/{sessionId}/threed/lookup", h.Lookup)
			r.Get("/{sessionId}/threed/authenticate", h.Authenticate)
		})

		// Bank callbacks: form posts and redirects.
		r.Post("/{sessionId}/threed/complete", h.Complete)
		r.Get("/{sessionId}/threed/simplified-complete", h.SimplifiedComplete)
		r.Post("/{sessionId}/threed/simplified-complete", h.SimplifiedComplete)
	})

	return r
}
