package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

// ConsumerConfig holds consumer group settings
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// FromStart consumes from the oldest offset when the group has none
	FromStart      bool
	SessionTimeout time.Duration
	MaxPollRecords int
	CommitTimeout  time.Duration
	FetchMaxBytes  int32
}

// DefaultConsumerConfig returns defaults for the notifier group
func DefaultConsumerConfig(brokers []string, group string, topics ...string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topics:         topics,
		FromStart:      true,
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 500,
		CommitTimeout:  10 * time.Second,
		FetchMaxBytes:  16 << 20,
	}
}

// Message is a consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler processes one message. Errors are logged and counted; the offset
// is still committed, so handlers own their retry policy.
type Handler func(ctx context.Context, msg Message) error

// Consumer reads a consumer group. Partitions of one poll are handled
// concurrently; records within a partition are handled in offset order.
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	consumed atomic.Int64
	failed   atomic.Int64
}

// NewConsumer creates a consumer; Start begins polling
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("consumer: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 || cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("consumer: brokers, group and topics are required")
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("clinsafe/redpanda"),
	}, nil
}

// Start polls in the background until Stop or ctx is done
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)

	c.logger.Info("consumer started",
		zap.String("group", c.cfg.GroupID),
		zap.Strings("topics", c.cfg.Topics))
}

// Stop ends polling, commits what was handled and closes the client
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.client.Close()
	c.logger.Info("consumer stopped")
}

func (c *Consumer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, r := range p.Records {
					c.handle(ctx, r)
				}
			}()
		})
		wg.Wait()

		if records := fetches.Records(); len(records) > 0 {
			cctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
			if err := c.client.CommitRecords(cctx, records...); err != nil {
				c.logger.Error("commit offsets failed", zap.Int("records", len(records)), zap.Error(err))
			}
			cancel()
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) handle(ctx context.Context, r *kgo.Record) {
	ctx = extractTrace(ctx, r)
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.source.name", r.Topic),
			attribute.Int64("messaging.kafka.source.partition", int64(r.Partition)),
			attribute.Int64("messaging.kafka.message.offset", r.Offset),
		))
	defer span.End()

	c.metrics.KafkaMessage(r.Topic, "consumed")
	err := c.handler(ctx, Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	})
	if err != nil {
		c.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("message handler failed",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return
	}
	c.consumed.Add(1)
}

// ConsumerStats counts handled messages
type ConsumerStats struct {
	Handled int64 `json:"handled"`
	Failed  int64 `json:"failed"`
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Handled: c.consumed.Load(), Failed: c.failed.Load()}
}
