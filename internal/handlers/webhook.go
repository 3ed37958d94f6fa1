// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hookbridge/hookbridge/internal/delivery"
	"github.com/hookbridge/hookbridge/internal/dlq"
	"github.com/hookbridge/hookbridge/internal/httputil"
	"github.com/hookbridge/hookbridge/internal/logging"
	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/model"
	"github.com/hookbridge/hookbridge/internal/queue"
	"github.com/hookbridge/hookbridge/internal/ratelimit"
	"github.com/hookbridge/hookbridge/internal/routing"
	"github.com/hookbridge/hookbridge/internal/webhook"
)

// maxPayloadBytes bounds inbound webhook bodies (GitHub caps at 25MB).
const maxPayloadBytes = 25 << 20

// WebhookHandler accepts provider webhooks, validates them and hands the
// resulting envelopes to the delivery engine.
type WebhookHandler struct {
	registry *webhook.Registry
	engine   *delivery.Engine
	limiter  ratelimit.RateLimiter
	provider queue.Provider
	deadSink dlq.Store
	log      *logging.Logger
}

// NewWebhookHandler wires the handler. deadSink may be nil when no dead
// letter store is configured.
func NewWebhookHandler(registry *webhook.Registry, engine *delivery.Engine, limiter ratelimit.RateLimiter, provider queue.Provider, deadSink dlq.Store, log *logging.Logger) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		engine:   engine,
		limiter:  limiter,
		provider: provider,
		deadSink: deadSink,
		log:      log,
	}
}

// HandleWebhook processes POST /webhook/{provider}. Acceptance is
// asynchronous: 202 means the envelope is queued for delivery, not that
// it reached the backend.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := r.PathValue("provider")

	validator := h.registry.Find(providerName)
	if validator == nil {
		httputil.WriteError(w, http.StatusNotFound, "unknown provider")
		return
	}

	allowed, err := h.limiter.Allow(ctx, providerName)
	if err != nil {
		// Fail open: losing the limiter must not drop webhooks.
		h.log.WarnContext(ctx, "rate limit check failed", logging.Provider(providerName), logging.Error(err))
	} else if !allowed {
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	defer r.Body.Close()

	if len(body) > maxPayloadBytes {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	req := &model.WebhookRequest{
		Provider:   providerName,
		Payload:    body,
		Header:     r.Header,
		ReceivedAt: time.Now().UTC(),
	}

	status, err := validator.Validate(ctx, req)
	metrics.WebhooksTotal.WithLabelValues(providerName, status.String()).Inc()
	metrics.WebhookBytesTotal.Add(float64(len(body)))

	if err != nil {
		h.log.ErrorContext(ctx, "validation infrastructure failure",
			logging.Provider(providerName), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "validation unavailable")
		return
	}

	switch status {
	case model.StatusValid:
	case model.StatusInvalidSignature:
		httputil.WriteError(w, http.StatusUnauthorized, "signature verification failed")
		return
	case model.StatusMalformedPayload:
		httputil.WriteError(w, http.StatusBadRequest, "malformed payload")
		return
	case model.StatusUnsupportedEventType:
		httputil.WriteError(w, http.StatusBadRequest, "unsupported event type")
		return
	default:
		httputil.WriteError(w, http.StatusBadRequest, "rejected")
		return
	}

	env, err := validator.Normalize(req)
	if err != nil {
		h.log.ErrorContext(ctx, "normalization failed",
			logging.Provider(providerName), logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	if err := h.engine.Submit(env); err != nil {
		switch {
		case errors.Is(err, delivery.ErrBacklogFull):
			httputil.WriteError(w, http.StatusServiceUnavailable, "session backlog full")
		case errors.Is(err, routing.ErrNoRoute):
			h.log.ErrorContext(ctx, "no route configured",
				logging.Provider(providerName),
				logging.EventType(env.EventType),
			)
			httputil.WriteError(w, http.StatusInternalServerError, "no route for event")
		case errors.Is(err, delivery.ErrStopped):
			httputil.WriteError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			httputil.WriteError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	h.log.InfoContext(ctx, "webhook accepted",
		logging.Provider(providerName),
		logging.EventID(env.ID),
		logging.EventType(env.EventType),
		logging.SessionKey(env.SessionKey),
	)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": env.ID})
}

// Health reports process liveness.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports whether the queue backend is reachable.
func (h *WebhookHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.provider.Health(ctx); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Stats serves GET /api/v1/stats.
func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"delivery":  h.engine.Stats(),
		"providers": h.registry.Providers(),
	}
	if h.deadSink != nil {
		payload["dlq"] = h.deadSink.Stats(r.Context())
	}
	httputil.WriteJSON(w, http.StatusOK, payload)
}
