// Package redpanda moves outbox events to and from Kafka-compatible brokers
// with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/observability/metrics"
)

// ProducerConfig holds producer settings
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Linger batches records for up to this long before sending
	Linger         time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
	// Idempotent enables the broker-side idempotent producer
	Idempotent bool
}

// DefaultProducerConfig favors ordering and durability over throughput
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		ClientID:       "clinsafe-outbox-relay",
		Linger:         5 * time.Millisecond,
		MaxRetries:     10,
		RequestTimeout: 10 * time.Second,
		Idempotent:     true,
	}
}

// Producer publishes records synchronously, one acknowledged write per call
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	produced atomic.Int64
	failed   atomic.Int64
}

// NewProducer creates a producer connected to cfg.Brokers
func NewProducer(cfg ProducerConfig, logger *zap.Logger, m *metrics.Metrics) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("producer: no brokers configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
		kgo.RequestTimeoutOverhead(cfg.RequestTimeout),
	}
	if !cfg.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{
		client:  client,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("clinsafe/redpanda"),
	}, nil
}

// Publish writes one record and waits for the broker acknowledgement
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
		))
	defer span.End()

	record := newRecord(ctx, topic, key, value)
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.produced.Add(1)
	p.metrics.KafkaMessage(topic, "produced")
	span.SetAttributes(
		attribute.Int64("messaging.kafka.destination.partition", int64(record.Partition)),
		attribute.Int64("messaging.kafka.message.offset", record.Offset),
	)
	return nil
}

func newRecord(ctx context.Context, topic, key string, value []byte) *kgo.Record {
	r := &kgo.Record{
		Topic:     topic,
		Value:     value,
		Timestamp: time.Now(),
	}
	if key != "" {
		r.Key = []byte(key)
	}
	injectTrace(ctx, r)
	return r
}

// Ping checks that at least one broker answers
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Flush waits for buffered records
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and closes the client
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats counts publish outcomes since start
type ProducerStats struct {
	Produced int64 `json:"produced"`
	Failed   int64 `json:"failed"`
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Produced: p.produced.Load(), Failed: p.failed.Load()}
}
