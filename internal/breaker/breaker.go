// Package breaker implements a circuit breaker that isolates failing
// external dependencies. Each protected dependency owns exactly one
// Breaker instance; breaker state is never shared between instances.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hookbridge/hookbridge/internal/metrics"
)

// ErrOpen is returned when a call is rejected because the circuit is open
// or a half-open probe is already in flight.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the circuit from Closed to Open.
	FailureThreshold int

	// Cooldown is how long the circuit stays Open before allowing a
	// single half-open probe.
	Cooldown time.Duration

	// CallTimeout bounds each wrapped call. Zero disables the timeout.
	// A call exceeding the timeout counts as a failure.
	CallTimeout time.Duration
}

// Metrics is a point-in-time snapshot of breaker counters.
type Metrics struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransition       time.Time
}

// Breaker gates calls to one external dependency.
//
// Closed passes calls through and counts consecutive failures. Open
// rejects calls until the cooldown elapses, then admits exactly one probe
// (HalfOpen). A successful probe closes the circuit; a failed probe
// reopens it and restarts the cooldown. Concurrent callers never block on
// each other; while a probe is outstanding they are rejected with ErrOpen.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	lastTransition time.Time
	probing        bool

	now func() time.Time
}

// New creates a breaker in the Closed state.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}

	b := &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
	b.lastTransition = b.now()
	metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	return b
}

// Do executes op through the breaker. It returns ErrOpen without invoking
// op when the circuit rejects the call; otherwise it returns op's error.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return err
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	opErr := op(ctx)
	b.record(probe, opErr == nil)
	return opErr
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the breaker counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastTransition:       b.lastTransition,
	}
}

// admit decides whether the call may proceed and whether it is the single
// half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil

	case Open:
		if b.now().Sub(b.lastTransition) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.transition(HalfOpen)
		b.probing = true
		return true, nil

	case HalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}

	return false, ErrOpen
}

// record applies the call outcome to the state machine.
func (b *Breaker) record(probe, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if success {
			b.transition(Closed)
			b.failures = 0
			b.successes = 1
		} else {
			b.transition(Open)
		}
		return
	}

	// Results from calls admitted before a transition only count in Closed.
	if b.state != Closed {
		return
	}

	if success {
		b.failures = 0
		b.successes++
		return
	}

	b.successes = 0
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.transition(Open)
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.lastTransition = b.now()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}
