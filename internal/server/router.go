package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookbridge/hookbridge/internal/handlers"
	"github.com/hookbridge/hookbridge/internal/middleware"
)

// NewRouter constructs a ServeMux with the gateway routes registered.
func NewRouter(h *handlers.WebhookHandler) http.Handler {
	mux := http.NewServeMux()

	// Webhook ingestion
	mux.HandleFunc("POST /webhook/{provider}", h.HandleWebhook)

	// Operational endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
