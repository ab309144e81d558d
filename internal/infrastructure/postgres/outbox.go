package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/drfirst/go-medintake/pkg/circuitbreaker"
)

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries moves an entry to the dead letter topic once reached.
	MaxRetries      int
	DeadLetterTopic string
	// Retention is how long processed entries are kept; zero disables cleanup.
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		Retention:       24 * time.Hour,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// BacklogObserver receives outbox backlog counts after each cycle.
type BacklogObserver interface {
	SetOutboxBacklog(pending, failed int64)
}

// OutboxEventWriter records intake events in the outbox table. It must be
// called inside a transaction started by TxManager.WithinTx.
type OutboxEventWriter struct {
	topic string
}

func NewOutboxEventWriter(topic string) *OutboxEventWriter {
	return &OutboxEventWriter{topic: topic}
}

var errNoTx = errors.New("outbox write requires a transaction")

func (w *OutboxEventWriter) WriteEvents(ctx context.Context, events ...*intake.Event) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return intake.NewPersistenceError("write outbox", errNoTx)
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entry := &OutboxEntry{
			AggregateID:   ev.AggregateID,
			AggregateType: ev.AggregateType,
			EventType:     string(ev.EventType),
			Payload:       payload,
			KafkaTopic:    w.topic,
			KafkaKey:      ev.AggregateID,
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return intake.NewPersistenceError("write outbox", err)
		}
	}
	return nil
}

// WriteEntry writes an outbox entry within tx.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Outbox relays committed outbox entries to Kafka.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	observer  BacklogObserver
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewOutbox creates a new outbox relay. observer may be nil.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, observer BacklogObserver, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// Run polls and relays until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("outbox relay stopped")
			return
		case <-poll.C:
			if _, err := o.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-housekeeping.C:
			o.housekeep(ctx)
		}
	}
}

func (o *Outbox) housekeep(ctx context.Context) {
	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter sweep failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries moved to dead letter", zap.Int64("count", n))
	}
	if o.config.Retention > 0 {
		if n, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
			o.logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			o.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
		}
	}
	if o.observer != nil {
		stats, err := o.GetStats(ctx)
		if err != nil {
			o.logger.Error("outbox stats failed", zap.Error(err))
			return
		}
		o.observer.SetOutboxBacklog(stats.Pending, stats.Failed)
	}
}

// ProcessBatch locks up to BatchSize unprocessed entries, publishes them in
// order and records the outcome in the same transaction. Concurrent relays
// skip each other's locked rows.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := fetchUnprocessed(ctx, tx, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.publishEntry(ctx, tx, entry); err != nil {
			if errors.Is(err, circuitbreaker.ErrOpen) {
				// Leave the rest pending without charging their retries.
				o.logger.Warn("publisher unavailable, deferring outbox batch",
					zap.Int("remaining", len(entries)-published))
				break
			}
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return published, nil
}

func fetchUnprocessed(ctx context.Context, tx pgx.Tx, maxRetries, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) publishEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_publish_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return err
		}
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to record outbox retry", zap.Error(uerr))
		}
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// deadLetter is the envelope published for entries that ran out of retries.
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and
// marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query dead entries: %w", err)
	}
	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan dead entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, e := range entries {
		body, err := json.Marshal(deadLetter{
			OriginalTopic: e.KafkaTopic,
			EventType:     e.EventType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			return count, fmt.Errorf("marshal dead letter: %w", err)
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.KafkaKey, body); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return count, fmt.Errorf("mark dead entry: %w", err)
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox backlog.
type OutboxStats struct {
	Pending       int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE retry_count < $1),
		       COUNT(*) FILTER (WHERE retry_count >= $1),
		       MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
