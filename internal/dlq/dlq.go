// Package dlq stores events whose delivery was abandoned, preserving the
// full envelope and failure context for inspection and replay.
package dlq

import (
	"context"

	"github.com/hookbridge/hookbridge/internal/model"
)

// Writer records failed events. The delivery engine only needs this side.
type Writer interface {
	// Write persists a failed event record. A nil *Store-typed Writer is
	// a valid no-op so callers never branch on DLQ being disabled.
	Write(ctx context.Context, rec *model.FailedEventRecord) error
}

// Store is a full dead letter store with inspection and maintenance.
type Store interface {
	Writer

	// List returns up to limit records, oldest first.
	List(ctx context.Context, limit int) ([]model.FailedEventRecord, error)

	// Purge removes all records.
	Purge(ctx context.Context) error

	// Stats reports backend-specific counters.
	Stats(ctx context.Context) map[string]any

	// Close releases backend resources.
	Close() error
}
