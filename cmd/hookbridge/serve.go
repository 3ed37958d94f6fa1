package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hookbridge/hookbridge/internal/breaker"
	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/delivery"
	"github.com/hookbridge/hookbridge/internal/dlq"
	"github.com/hookbridge/hookbridge/internal/handlers"
	"github.com/hookbridge/hookbridge/internal/logging"
	"github.com/hookbridge/hookbridge/internal/queue"
	"github.com/hookbridge/hookbridge/internal/queue/natsq"
	"github.com/hookbridge/hookbridge/internal/queue/redisq"
	"github.com/hookbridge/hookbridge/internal/ratelimit"
	"github.com/hookbridge/hookbridge/internal/retry"
	"github.com/hookbridge/hookbridge/internal/routing"
	"github.com/hookbridge/hookbridge/internal/secrets"
	"github.com/hookbridge/hookbridge/internal/server"
	"github.com/hookbridge/hookbridge/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("hookbridge"))
	logging.SetDefault(logger)

	logger.Info("starting webhook gateway",
		"port", cfg.Server.Port,
		"queue_backend", cfg.Queue.Backend,
		"dlq_backend", cfg.DLQ.Backend,
	)

	// Webhook validators
	providerSecrets := make(map[string]string, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		providerSecrets[name] = pc.Secret
	}
	secretSource := secrets.NewStaticProvider(providerSecrets)
	registry := webhook.NewRegistry(
		webhook.NewGitHubValidator(secretSource),
		webhook.NewGitLabValidator(secretSource),
	)

	// Routing table
	table, err := routing.LoadFile(cfg.Routing.File)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load routing table: %w", err)
		}
		logger.Warn("routing file not found, routing all events to default queue",
			"file", cfg.Routing.File, "queue", "events")
		table, err = routing.New("events")
		if err != nil {
			return err
		}
	}

	// Queue backend
	provider, err := newQueueProvider(cfg)
	if err != nil {
		return fmt.Errorf("initialize queue backend: %w", err)
	}
	defer provider.Close()
	logger.Info("queue backend ready",
		"backend", provider.Name(),
		"session_ordering", provider.Capabilities().SessionOrdering,
	)

	// Dead letter store
	store, err := newDLQStore(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dead letter store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	// Rate limiter
	var limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.RateLimit.Enabled {
		rl, err := ratelimit.NewRedisRateLimiter(cfg.RateLimit.RedisURL, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if err != nil {
			logger.Warn("rate limiter unavailable, continuing without rate limiting", logging.Error(err))
		} else {
			limiter = rl
			logger.Info("rate limiting enabled",
				"requests", cfg.RateLimit.Requests,
				"window", cfg.RateLimit.Window,
			)
		}
	}
	defer limiter.Close()

	// Delivery engine
	brk := breaker.New("queue", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		CallTimeout:      cfg.Breaker.CallTimeout,
	})
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		BaseDelay:      cfg.Delivery.BaseDelay,
		Multiplier:     cfg.Delivery.Multiplier,
		MaxDelay:       cfg.Delivery.MaxDelay,
		JitterFraction: cfg.Delivery.JitterFraction,
	})

	var deadSink dlq.Writer
	if store != nil {
		deadSink = store
	}
	engine := delivery.New(
		delivery.Config{MaxSessionBacklog: cfg.Delivery.MaxSessionBacklog},
		provider, table, policy, brk, deadSink, logger,
	)

	// HTTP server
	handler := handlers.NewWebhookHandler(registry, engine, limiter, provider, store, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	engine.Stop()
	logger.Info("server stopped")
	return nil
}

func newQueueProvider(cfg *config.Config) (queue.Provider, error) {
	switch cfg.Queue.Backend {
	case "nats", "":
		return natsq.New(cfg.Queue.NATS.URL)
	case "redis":
		return redisq.New(cfg.Queue.Redis.URL)
	case "memory":
		return queue.NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s (supported: nats, redis, memory)", cfg.Queue.Backend)
	}
}

func newDLQStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (dlq.Store, error) {
	switch cfg.DLQ.Backend {
	case "jetstream", "":
		return dlq.NewJetStreamStore(ctx, cfg.DLQ.NATSURL, logger)
	case "postgres":
		return dlq.NewPostgresStore(ctx, cfg.DLQ.PostgresURL, logger)
	case "memory":
		return dlq.NewMemoryStore(0), nil
	case "none":
		logger.Warn("dead letter queue disabled, exhausted events will be dropped")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown dlq backend: %s (supported: jetstream, postgres, memory, none)", cfg.DLQ.Backend)
	}
}
