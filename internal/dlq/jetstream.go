package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hookbridge/hookbridge/internal/logging"
	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/model"
)

// dlqStreamName holds dead letters from every gateway instance, so the
// DLQ survives restarts and is shared across replicas.
const dlqStreamName = "HOOKBRIDGE_DLQ"

// JetStreamStore writes failed events to a NATS JetStream stream.
type JetStreamStore struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	log     *logging.Logger
	written uint64
}

// NewJetStreamStore connects to NATS and ensures the DLQ stream exists.
func NewJetStreamStore(ctx context.Context, url string, log *logging.Logger) (*JetStreamStore, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      dlqStreamName,
		Subjects:  []string{"hookbridge.dlq.>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	log.Info("dead letter stream ready", "stream", dlqStreamName)

	return &JetStreamStore{nc: nc, js: js, stream: stream, log: log}, nil
}

// Write publishes the record to hookbridge.dlq.<reason>.
func (s *JetStreamStore) Write(ctx context.Context, rec *model.FailedEventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dlq record: %w", err)
	}

	subject := "hookbridge.dlq." + rec.Reason
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish dlq record: %w", err)
	}

	atomic.AddUint64(&s.written, 1)
	metrics.DLQWritten.WithLabelValues(rec.Reason).Inc()
	s.log.Warn("event dead-lettered",
		logging.EventID(rec.Envelope.ID),
		logging.Provider(rec.Envelope.Provider),
		"reason", rec.Reason,
	)
	return nil
}

// List reads up to limit records through an ephemeral consumer.
func (s *JetStreamStore) List(ctx context.Context, limit int) ([]model.FailedEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: "hookbridge.dlq.>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dlq records: %w", err)
	}

	var records []model.FailedEventRecord
	for msg := range batch.Messages() {
		var rec model.FailedEventRecord
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			s.log.Error("unparseable dlq record skipped", logging.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Purge removes every record from the stream.
func (s *JetStreamStore) Purge(ctx context.Context) error {
	if err := s.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	s.log.Info("dead letter stream purged", "stream", dlqStreamName)
	return nil
}

// Stats reports stream state alongside the local write counter.
func (s *JetStreamStore) Stats(ctx context.Context) map[string]any {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return map[string]any{
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&s.written),
			"error":         err.Error(),
		}
	}
	return map[string]any{
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&s.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// Close closes the NATS connection.
func (s *JetStreamStore) Close() error {
	s.nc.Close()
	return nil
}
