package dlq

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookbridge/hookbridge/internal/logging"
	"github.com/hookbridge/hookbridge/internal/metrics"
	"github.com/hookbridge/hookbridge/internal/model"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists failed events in a dead_letters table, giving
// the DLQ durable, queryable storage.
type PostgresStore struct {
	pool    *pgxpool.Pool
	log     *logging.Logger
	written uint64
}

// NewPostgresStore connects to the database, runs the embedded schema
// migrations and returns the store.
func NewPostgresStore(ctx context.Context, connString string, log *logging.Logger) (*PostgresStore, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return nil, fmt.Errorf("initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("dead letter table ready", "backend", "postgres")

	return &PostgresStore{pool: pool, log: log}, nil
}

// Write inserts the record.
func (s *PostgresStore) Write(ctx context.Context, rec *model.FailedEventRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (
			event_id, provider, event_type, repository, session_key,
			payload, received_at, reason, error, attempts,
			first_failed_at, last_failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.Envelope.ID,
		rec.Envelope.Provider,
		rec.Envelope.EventType,
		rec.Envelope.Repository,
		rec.Envelope.SessionKey,
		rec.Envelope.Payload,
		rec.Envelope.ReceivedAt,
		rec.Reason,
		rec.Error,
		rec.Attempts,
		rec.FirstFailedAt,
		rec.LastFailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
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

// List returns up to limit records, oldest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]model.FailedEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, provider, event_type, repository, session_key,
		       payload, received_at, reason, error, attempts,
		       first_failed_at, last_failed_at
		FROM dead_letters
		ORDER BY id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var records []model.FailedEventRecord
	for rows.Next() {
		env := &model.Envelope{}
		rec := model.FailedEventRecord{Envelope: env}
		if err := rows.Scan(
			&env.ID, &env.Provider, &env.EventType, &env.Repository, &env.SessionKey,
			&env.Payload, &env.ReceivedAt, &rec.Reason, &rec.Error, &rec.Attempts,
			&rec.FirstFailedAt, &rec.LastFailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Purge truncates the table.
func (s *PostgresStore) Purge(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE dead_letters`); err != nil {
		return fmt.Errorf("purge dead letters: %w", err)
	}
	s.log.Info("dead letter table purged", "backend", "postgres")
	return nil
}

// Stats reports the table size alongside the local write counter.
func (s *PostgresStore) Stats(ctx context.Context) map[string]any {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	if err != nil {
		return map[string]any{
			"backend":       "postgres",
			"written_local": atomic.LoadUint64(&s.written),
			"error":         err.Error(),
		}
	}
	return map[string]any{
		"backend":       "postgres",
		"written_local": atomic.LoadUint64(&s.written),
		"total_records": count,
	}
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
