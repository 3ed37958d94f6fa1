package dlq

import (
	"context"
	"sync"
	"time"

	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/model"
)

const defaultMemoryCapacity = 10000

// MemoryStore keeps failed events in a bounded in-process buffer. Oldest
// records are dropped when the capacity is reached. Intended for
// development and tests; production deployments use JetStream or Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	records  []model.FailedEventRecord
	capacity int
	written  uint64
	dropped  uint64
}

// NewMemoryStore creates a memory store. capacity <= 0 selects the default.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

// Write appends the record, evicting the oldest entry when full.
func (s *MemoryStore) Write(_ context.Context, rec *model.FailedEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.LastFailedAt.IsZero() {
		rec.LastFailedAt = time.Now().UTC()
	}

	if len(s.records) >= s.capacity {
		s.records = s.records[1:]
		s.dropped++
	}
	s.records = append(s.records, *rec)
	s.written++

	metrics.DLQWritten.WithLabelValues(rec.Reason).Inc()
	return nil
}

// List returns up to limit records, oldest first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]model.FailedEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]model.FailedEventRecord, limit)
	copy(out, s.records[:limit])
	return out, nil
}

// Purge discards all records.
func (s *MemoryStore) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return nil
}

// Stats reports counters for the stats endpoint.
func (s *MemoryStore) Stats(_ context.Context) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"backend": "memory",
		"size":    len(s.records),
		"written": s.written,
		"dropped": s.dropped,
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
