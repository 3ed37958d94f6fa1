package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookbridge/hookbridge/internal/breaker"
	"github.com/hookbridge/hookbridge/internal/delivery"
	"github.com/hookbridge/hookbridge/internal/dlq"
	"github.com/hookbridge/hookbridge/internal/logging"
	"github.com/hookbridge/hookbridge/internal/queue"
	"github.com/hookbridge/hookbridge/internal/ratelimit"
	"github.com/hookbridge/hookbridge/internal/retry"
	"github.com/hookbridge/hookbridge/internal/routing"
	"github.com/hookbridge/hookbridge/internal/secrets"
	"github.com/hookbridge/hookbridge/internal/webhook"
)

const testSecret = "test-webhook-secret"

type fixture struct {
	handler  *WebhookHandler
	provider *queue.MemoryProvider
	engine   *delivery.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sp := secrets.NewStaticProvider(map[string]string{
		"github": testSecret,
		"gitlab": testSecret,
	})
	registry := webhook.NewRegistry(
		webhook.NewGitHubValidator(sp),
		webhook.NewGitLabValidator(sp),
	)

	provider := queue.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })

	table, err := routing.New("events")
	require.NoError(t, err)

	brk := breaker.New(gofakeit.UUID(), breaker.Config{
		FailureThreshold: 1000,
		Cooldown:         time.Second,
		CallTimeout:      time.Second,
	})
	policy := retry.NewPolicySeeded(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}, 1)

	store := dlq.NewMemoryStore(0)
	engine := delivery.New(delivery.Config{}, provider, table, policy, brk, store, logging.Default())
	t.Cleanup(engine.Stop)

	return &fixture{
		handler:  NewWebhookHandler(registry, engine, &ratelimit.NoOpRateLimiter{}, provider, store, logging.Default()),
		provider: provider,
		engine:   engine,
	}
}

func githubPayload() []byte {
	payload, _ := json.Marshal(map[string]any{
		"ref":    "refs/heads/main",
		"after":  gofakeit.LetterN(40),
		"pusher": map[string]string{"name": gofakeit.Username()},
		"repository": map[string]any{
			"full_name": "acme/widgets",
		},
	})
	return payload
}

func githubRequest(payload []byte, sign bool) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(payload))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-GitHub-Event", "push")
	r.Header.Set("X-GitHub-Delivery", gofakeit.UUID())
	if sign {
		r.Header.Set("X-Hub-Signature-256", webhook.SignPayload([]byte(testSecret), payload))
	}
	return r
}

func serve(f *fixture, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{provider}", f.handler.HandleWebhook)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestHandleWebhookAccepted(t *testing.T) {
	f := newFixture(t)

	w := serve(f, githubRequest(githubPayload(), true))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.provider.Depth("events") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, f.provider.Depth("events"))
}

func TestHandleWebhookUnknownProvider(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/webhook/bitbucket", bytes.NewReader(githubPayload()))
	w := serve(f, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleWebhookBadSignature(t *testing.T) {
	f := newFixture(t)

	r := githubRequest(githubPayload(), false)
	r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := serve(f, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleWebhookMissingSignature(t *testing.T) {
	f := newFixture(t)

	w := serve(f, githubRequest(githubPayload(), false))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhookUnsupportedEvent(t *testing.T) {
	f := newFixture(t)

	payload := githubPayload()
	r := githubRequest(payload, true)
	r.Header.Set("X-GitHub-Event", "star")
	w := serve(f, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unsupported event type", resp["error"])
}

func TestHandleWebhookMalformedPayload(t *testing.T) {
	f := newFixture(t)

	payload := []byte("{not json")
	r := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(payload))
	r.Header.Set("X-GitHub-Event", "push")
	r.Header.Set("X-GitHub-Delivery", gofakeit.UUID())
	r.Header.Set("X-Hub-Signature-256", webhook.SignPayload([]byte(testSecret), payload))
	w := serve(f, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhookSecretLookupFailure(t *testing.T) {
	sp := secrets.NewStaticProvider(nil) // no secrets configured
	registry := webhook.NewRegistry(webhook.NewGitHubValidator(sp))

	provider := queue.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })
	table, err := routing.New("events")
	require.NoError(t, err)
	brk := breaker.New(gofakeit.UUID(), breaker.Config{})
	engine := delivery.New(delivery.Config{}, provider, table, retry.NewPolicy(retry.DefaultConfig()), brk, nil, logging.Default())
	t.Cleanup(engine.Stop)

	f := &fixture{
		handler: NewWebhookHandler(registry, engine, &ratelimit.NoOpRateLimiter{}, provider, nil, logging.Default()),
	}

	w := serve(f, githubRequest(githubPayload(), true))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleWebhookGitLab(t *testing.T) {
	f := newFixture(t)

	payload, _ := json.Marshal(map[string]any{
		"object_kind": "merge_request",
		"project": map[string]any{
			"path_with_namespace": "acme/widgets",
		},
	})

	r := httptest.NewRequest(http.MethodPost, "/webhook/gitlab", bytes.NewReader(payload))
	r.Header.Set("X-Gitlab-Token", testSecret)
	r.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	r.Header.Set("X-Gitlab-Event-Uuid", gofakeit.UUID())
	w := serve(f, r)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleWebhookRateLimited(t *testing.T) {
	f := newFixture(t)
	f.handler.limiter = denyAll{}

	w := serve(f, githubRequest(githubPayload(), true))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHandleWebhookLimiterFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.handler.limiter = brokenLimiter{}

	w := serve(f, githubRequest(githubPayload(), true))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleWebhookPayloadTooLarge(t *testing.T) {
	f := newFixture(t)

	payload := bytes.Repeat([]byte("a"), maxPayloadBytes+1)
	r := githubRequest(payload, true)
	w := serve(f, r)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyAll) Close() error                                { return nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter backend down")
}
func (brokenLimiter) Close() error { return nil }

func TestHandleWebhookBreakerOpenDeadLetters(t *testing.T) {
	sp := secrets.NewStaticProvider(map[string]string{"github": testSecret})
	registry := webhook.NewRegistry(webhook.NewGitHubValidator(sp))

	provider := queue.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })
	table, err := routing.New("events")
	require.NoError(t, err)

	// Cooldown far longer than the retry schedule so every attempt is
	// rejected without reaching the provider.
	brk := breaker.New(gofakeit.UUID(), breaker.Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
	})
	maxAttempts := 3
	policy := retry.NewPolicySeeded(retry.Config{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, Multiplier: 1}, 1)

	store := dlq.NewMemoryStore(0)
	engine := delivery.New(delivery.Config{}, provider, table, policy, brk, store, logging.Default())
	t.Cleanup(engine.Stop)

	// Trip the destination breaker before the webhook arrives.
	require.Error(t, brk.Do(context.Background(), func(context.Context) error {
		return queue.ErrTimeout
	}))
	require.Equal(t, breaker.Open, brk.State())

	f := &fixture{
		handler:  NewWebhookHandler(registry, engine, &ratelimit.NoOpRateLimiter{}, provider, store, logging.Default()),
		provider: provider,
		engine:   engine,
	}

	// Accepted at the boundary; delivery fails asynchronously.
	w := serve(f, githubRequest(githubPayload(), true))
	require.Equal(t, http.StatusAccepted, w.Code)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && engine.Stats().DeadLettered == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, uint64(1), engine.Stats().DeadLettered)

	records, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, maxAttempts, records[0].Attempts)
	assert.Equal(t, "retries_exhausted", records[0].Reason)
	assert.Equal(t, "acme/widgets", records[0].Envelope.Repository)
	assert.Equal(t, 0, provider.Depth("events"))
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.Health(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.handler.Ready(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	f.provider.Close()
	w = httptest.NewRecorder()
	f.handler.Ready(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.Stats(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "delivery")
	assert.Contains(t, resp, "dlq")
	assert.Contains(t, fmt.Sprint(resp["providers"]), "github")
}
