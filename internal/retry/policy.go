// Package retry decides whether and when failed deliveries are retried.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Class is the retryability classification of an error.
type Class int

const (
	// ClassTransient covers timeouts, throttling, connection failures and
	// open circuits. Transient errors are retryable.
	ClassTransient Class = iota

	// ClassPermanent covers validation, auth and configuration failures.
	// Permanent errors are never retried.
	ClassPermanent
)

// String returns the metric label for the class.
func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Decision is the outcome of one retry consultation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Config controls the backoff shape.
type Config struct {
	// MaxAttempts is the total number of delivery attempts allowed.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier grows the delay per attempt (exponential backoff).
	Multiplier float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// JitterFraction adds a random fraction [0, f) of the computed delay
	// to spread out retries. Zero disables jitter.
	JitterFraction float64
}

// DefaultConfig returns the standard delivery retry configuration:
// 5 attempts, 500ms base, 2x multiplier, 30s cap, 20% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Policy computes retry decisions. Apart from jitter it is a pure function
// of (attempt, class): identical inputs always produce the same delay shape.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a Policy with a time-seeded jitter source.
func NewPolicy(cfg Config) *Policy {
	return NewPolicySeeded(cfg, time.Now().UnixNano())
}

// NewPolicySeeded creates a Policy with a fixed jitter seed, for
// deterministic tests.
func NewPolicySeeded(cfg Config, seed int64) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Policy{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Decide returns the retry decision for a failed attempt. attempt is
// zero-based: attempt 0 is the first delivery try. Permanent errors give
// up immediately regardless of attempt count.
func (p *Policy) Decide(attempt int, class Class) Decision {
	if class == ClassPermanent {
		return GiveUp
	}
	// attempt n failing means n+1 attempts have been used.
	if attempt+1 >= p.cfg.MaxAttempts {
		return GiveUp
	}

	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt))
	if p.cfg.MaxDelay > 0 && delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}

	if p.cfg.JitterFraction > 0 {
		p.mu.Lock()
		jitter := p.rng.Float64() * p.cfg.JitterFraction * delay
		p.mu.Unlock()
		delay += jitter
	}

	return Decision{Retry: true, Delay: time.Duration(delay)}
}

// MaxAttempts exposes the configured attempt limit.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}
