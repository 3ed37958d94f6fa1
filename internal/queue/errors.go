package queue

import (
	"context"
	"errors"
	"net"

	"github.com/hookbridge/hookbridge/internal/breaker"
	"github.com/hookbridge/hookbridge/internal/retry"
)

// Sentinel errors shared by all queue backends. Backends wrap their
// native errors into one of these so callers can classify them without
// knowing the backend.
var (
	// ErrTimeout indicates a provider operation exceeded its deadline.
	ErrTimeout = errors.New("queue: operation timed out")

	// ErrThrottled indicates the backend rejected the operation due to
	// rate limiting or overload.
	ErrThrottled = errors.New("queue: throttled")

	// ErrUnauthorized indicates an authentication or authorization
	// failure against the backend.
	ErrUnauthorized = errors.New("queue: unauthorized")

	// ErrBadConfig indicates a configuration problem (unknown queue,
	// invalid connection settings) that retrying cannot fix.
	ErrBadConfig = errors.New("queue: configuration error")

	// ErrStaleReceipt indicates the receipt no longer refers to a held
	// message (already acked, dead-lettered, or redelivered).
	ErrStaleReceipt = errors.New("queue: receipt no longer valid")

	// ErrClosed indicates the provider has been closed.
	ErrClosed = errors.New("queue: provider closed")
)

// Classify maps a provider error to a retry classification. Timeouts,
// throttling and open circuits are transient; auth, config and receipt
// errors are permanent. Unknown errors default to transient so that a
// backend hiccup is retried rather than dead-lettered outright.
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.ClassTransient
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrBadConfig),
		errors.Is(err, ErrStaleReceipt),
		errors.Is(err, ErrClosed):
		return retry.ClassPermanent
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrThrottled),
		errors.Is(err, breaker.ErrOpen),
		errors.Is(err, context.DeadlineExceeded):
		return retry.ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.ClassTransient
	}

	return retry.ClassTransient
}
