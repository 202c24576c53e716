package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/events"
	"github.com/carepath/clinsafe/internal/observability/metrics"
)

// OutboxEntry is an event waiting to be relayed to the broker
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// NewOutboxEntry encodes payload into an entry keyed by aggregate id
func NewOutboxEntry(aggregateType, aggregateID, eventType, topic string, payload any) (*OutboxEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return &OutboxEntry{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       data,
		Topic:         topic,
		Key:           aggregateID,
	}, nil
}

// WriteEntry inserts entry in the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	const q = `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	if err := tx.QueryRow(ctx, q,
		entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Publisher sends one message to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxConfig tunes the relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is how many failed publishes an entry gets before it is dead-lettered
	MaxRetries int
	// LockID is the advisory lock key that elects one active relay
	LockID int64
}

// DefaultOutboxConfig returns the relay defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
		LockID:       7_341_002,
	}
}

// Outbox relays committed outbox rows to the broker in insertion order
type Outbox struct {
	pool      *pgxpool.Pool
	cfg       OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger, m *metrics.Metrics) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		pool:      pool,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("clinsafe/outbox"),
	}
}

// Start polls until Stop or ctx is done
func (o *Outbox) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := o.RelayBatch(ctx); err != nil && ctx.Err() == nil {
					o.logger.Error("outbox batch failed", zap.Error(err))
				}
				if _, err := o.MoveToDeadLetter(ctx); err != nil && ctx.Err() == nil {
					o.logger.Error("dead letter sweep failed", zap.Error(err))
				}
			}
		}
	}(o.done)

	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.cfg.BatchSize),
		zap.Duration("poll_interval", o.cfg.PollInterval))
}

// Stop halts the relay and waits for the current batch
func (o *Outbox) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.logger.Info("outbox relay stopped")
}

// RelayBatch publishes one batch of pending entries. It returns how many were
// published. Only one relay across processes holds the batch lock at a time.
func (o *Outbox) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, o.cfg.LockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := fetch(ctx, tx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.cfg.MaxRetries, o.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, e := range entries {
		if err := o.publisher.Publish(ctx, e.Topic, e.Key, e.Payload); err != nil {
			o.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("topic", e.Topic),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
			if _, uerr := tx.Exec(ctx,
				`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
				err.Error(), e.ID); uerr != nil {
				return published, fmt.Errorf("record publish failure: %w", uerr)
			}
			// Later entries for the same key must wait so the topic keeps per-key order
			break
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return published, fmt.Errorf("mark outbox entry: %w", err)
		}
		o.metrics.KafkaMessage(e.Topic, "produced")
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit relay tx: %w", err)
	}
	if published > 0 {
		o.logger.Debug("outbox batch relayed", zap.Int("published", published))
	}
	return published, nil
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and
// marks them processed
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.dead_letter")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dead letter tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := fetch(ctx, tx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, o.cfg.MaxRetries, o.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range entries {
		dl := events.DeadLetter{
			OriginalTopic: e.Topic,
			EventType:     e.EventType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			CreatedAt:     e.CreatedAt,
		}
		if e.LastError != nil {
			dl.LastError = *e.LastError
		}
		data, err := json.Marshal(dl)
		if err != nil {
			return moved, fmt.Errorf("encode dead letter: %w", err)
		}
		if err := o.publisher.Publish(ctx, events.TopicDeadLetter, e.Key, data); err != nil {
			o.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return moved, fmt.Errorf("mark dead letter: %w", err)
		}
		o.metrics.KafkaMessage(events.TopicDeadLetter, "produced")
		moved++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dead letter tx: %w", err)
	}
	if moved > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int("count", moved))
	}
	return moved, nil
}

func fetch(ctx context.Context, tx pgx.Tx, q string, args ...any) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupProcessed deletes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats is a point-in-time view of the outbox
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	DeadLettered  int64      `json:"exhausted"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats reports the backlog and updates the pending gauge
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	st := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL`, o.cfg.MaxRetries).Scan(&st.Pending, &st.DeadLettered, &st.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	o.metrics.SetOutboxPending(int(st.Pending))
	return st, nil
}
