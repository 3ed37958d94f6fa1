// Package delivery moves validated envelopes from the HTTP boundary to
// the queue backend. Each session runs lock-step: one in-flight attempt
// at a time, retries block the session head so order is preserved.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hookbridge/hookbridge/internal/breaker"
	"github.com/hookbridge/hookbridge/internal/dlq"
	"github.com/hookbridge/hookbridge/internal/logging"
	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/model"
	"github.com/hookbridge/hookbridge/internal/queue"
	"github.com/hookbridge/hookbridge/internal/retry"
	"github.com/hookbridge/hookbridge/internal/routing"
)

// ErrBacklogFull is returned by Submit when a session's pending buffer is
// at capacity. Callers should surface backpressure to the webhook sender.
var ErrBacklogFull = errors.New("session backlog full")

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("delivery engine stopped")

const defaultMaxBacklog = 256

// Config tunes the engine.
type Config struct {
	// MaxSessionBacklog bounds per-session pending envelopes.
	MaxSessionBacklog int
}

// Engine owns the per-session dispatch loops.
type Engine struct {
	provider queue.Provider
	router   *routing.Table
	policy   *retry.Policy
	brk      *breaker.Breaker
	sched    *retry.Scheduler
	deadSink dlq.Writer
	log      *logging.Logger

	maxBacklog int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool

	accepted     atomic.Uint64
	delivered    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

// item is one envelope waiting for delivery, bound to its routed queue.
type item struct {
	env   *model.Envelope
	queue string
}

// session serializes delivery for one session key. busy is true while an
// attempt (or a scheduled retry of one) is in flight.
type session struct {
	pending []*item
	busy    bool
}

// New builds an engine. The dead letter writer may be nil to drop
// exhausted envelopes with only a log line.
func New(cfg Config, provider queue.Provider, router *routing.Table, policy *retry.Policy, brk *breaker.Breaker, deadSink dlq.Writer, log *logging.Logger) *Engine {
	if cfg.MaxSessionBacklog <= 0 {
		cfg.MaxSessionBacklog = defaultMaxBacklog
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		provider:   provider,
		router:     router,
		policy:     policy,
		brk:        brk,
		sched:      &retry.Scheduler{},
		deadSink:   deadSink,
		log:        log,
		maxBacklog: cfg.MaxSessionBacklog,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
	}
}

// Submit routes the envelope and enqueues it on its session. Delivery is
// asynchronous; a nil return means the envelope was accepted, not that it
// reached the queue backend.
func (e *Engine) Submit(env *model.Envelope) error {
	q, err := e.router.Route(env.EventType, env.Repository)
	if err != nil {
		return fmt.Errorf("route event %s: %w", env.ID, err)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}

	key := env.SessionKey
	sess := e.sessions[key]
	if sess == nil {
		sess = &session{}
		e.sessions[key] = sess
		metrics.SessionsActive.Inc()
	}

	if len(sess.pending) >= e.maxBacklog {
		e.mu.Unlock()
		return fmt.Errorf("session %q: %w", key, ErrBacklogFull)
	}

	it := &item{env: env, queue: q}
	sess.pending = append(sess.pending, it)

	start := !sess.busy
	if start {
		sess.busy = true
		sess.pending = sess.pending[1:]
	}
	e.mu.Unlock()

	e.accepted.Add(1)
	if start {
		go e.attempt(key, it, 0, time.Time{})
	}
	return nil
}

// attempt makes delivery attempt n for the item. firstFailed is zero
// until the first failure.
func (e *Engine) attempt(key string, it *item, n int, firstFailed time.Time) {
	body, err := json.Marshal(it.env)
	if err != nil {
		// Envelopes are built from validated JSON; treat as permanent.
		e.abandon(key, it, n, firstFailed, fmt.Errorf("marshal envelope: %w", err))
		return
	}

	msg := &queue.Message{
		Body:       body,
		SessionKey: it.env.SessionKey,
		Attributes: map[string]string{
			"provider":   it.env.Provider,
			"event_type": it.env.EventType,
			"event_id":   it.env.ID,
		},
	}

	start := time.Now()
	err = e.brk.Do(e.ctx, func(ctx context.Context) error {
		_, sendErr := e.provider.Send(ctx, it.queue, msg)
		return sendErr
	})
	metrics.QueueSendDuration.WithLabelValues(e.provider.Name()).Observe(time.Since(start).Seconds())

	if err == nil {
		e.delivered.Add(1)
		metrics.DeliveriesTotal.WithLabelValues(it.queue, "delivered").Inc()
		e.log.Debug("event delivered",
			logging.EventID(it.env.ID),
			logging.Queue(it.queue),
			logging.Attempt(n+1),
		)
		e.dispatchNext(key)
		return
	}

	class := queue.Classify(err)
	metrics.QueueSendErrors.WithLabelValues(e.provider.Name(), class.String()).Inc()
	if firstFailed.IsZero() {
		firstFailed = time.Now().UTC()
	}

	decision := e.policy.Decide(n, class)
	if !decision.Retry {
		e.abandon(key, it, n+1, firstFailed, err)
		return
	}

	e.retried.Add(1)
	metrics.DeliveryRetriesTotal.Inc()
	e.log.Warn("delivery attempt failed, retrying",
		logging.EventID(it.env.ID),
		logging.Queue(it.queue),
		logging.Attempt(n+1),
		"delay", decision.Delay,
		logging.Error(err),
	)

	// A retry pending at shutdown is dropped with the rest of the
	// in-memory backlog; durability begins at the queue backend.
	e.sched.After(e.ctx, decision.Delay, func() {
		e.attempt(key, it, n+1, firstFailed)
	})
}

// abandon dead-letters the item and moves the session on.
func (e *Engine) abandon(key string, it *item, attempts int, firstFailed time.Time, cause error) {
	if firstFailed.IsZero() {
		firstFailed = time.Now().UTC()
	}

	e.deadLettered.Add(1)
	metrics.DeliveriesTotal.WithLabelValues(it.queue, "dead_lettered").Inc()

	rec := &model.FailedEventRecord{
		Envelope:      it.env,
		Reason:        "retries_exhausted",
		Error:         cause.Error(),
		Attempts:      attempts,
		FirstFailedAt: firstFailed,
		LastFailedAt:  time.Now().UTC(),
	}

	if e.deadSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.deadSink.Write(ctx, rec); err != nil {
			e.log.Error("dead letter write failed",
				logging.EventID(it.env.ID),
				logging.Error(err),
			)
		}
	} else {
		e.log.Error("event abandoned, no dead letter store configured",
			logging.EventID(it.env.ID),
			logging.Queue(it.queue),
			logging.Error(cause),
		)
	}

	e.dispatchNext(key)
}

// dispatchNext starts the next pending item for the session, or retires
// the session when drained.
func (e *Engine) dispatchNext(key string) {
	e.mu.Lock()
	sess := e.sessions[key]
	if sess == nil {
		e.mu.Unlock()
		return
	}
	if len(sess.pending) == 0 {
		delete(e.sessions, key)
		metrics.SessionsActive.Dec()
		e.mu.Unlock()
		return
	}
	next := sess.pending[0]
	sess.pending = sess.pending[1:]
	e.mu.Unlock()

	go e.attempt(key, next, 0, time.Time{})
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Accepted       uint64 `json:"accepted"`
	Delivered      uint64 `json:"delivered"`
	Retried        uint64 `json:"retried"`
	DeadLettered   uint64 `json:"dead_lettered"`
	ActiveSessions int    `json:"active_sessions"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	active := len(e.sessions)
	e.mu.Unlock()

	return Stats{
		Accepted:       e.accepted.Load(),
		Delivered:      e.delivered.Load(),
		Retried:        e.retried.Load(),
		DeadLettered:   e.deadLettered.Load(),
		ActiveSessions: active,
	}
}

// Stop rejects new submissions, cancels pending retries and waits for
// in-flight work to settle.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.sched.Wait()
}
