package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/carepath/clinsafe/internal/events"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	r := newRecord(ctx, events.TopicRiskEvents, "subject-1", []byte(`{}`))
	assert.Equal(t, []byte("subject-1"), r.Key)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", recordCarrier{record: r}.Get("traceparent"))

	got := trace.SpanContextFromContext(extractTrace(context.Background(), r))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestRecordCarrier_SetReplaces(t *testing.T) {
	r := &kgo.Record{}
	c := recordCarrier{record: r}
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Len(t, r.Headers, 2)
	assert.Equal(t, "3", c.Get("a"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}

func TestNewRecord_EmptyKeyLeavesKeyNil(t *testing.T) {
	r := newRecord(context.Background(), events.TopicErxEvents, "", []byte("x"))
	assert.Nil(t, r.Key)
	assert.Equal(t, events.TopicErxEvents, r.Topic)
}

func TestTopicConfigs(t *testing.T) {
	cfgs := TopicConfigs(0)
	names := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		names = append(names, c.Name)
		assert.Equal(t, int16(1), c.ReplicationFactor)
		assert.Positive(t, c.Partitions)
		require.NotNil(t, c.Configs["retention.ms"])
	}
	assert.ElementsMatch(t, []string{events.TopicRiskEvents, events.TopicErxEvents, events.TopicDeadLetter}, names)

	for _, c := range TopicConfigs(3) {
		assert.Equal(t, int16(3), c.ReplicationFactor)
	}
}

func TestConstructorsValidate(t *testing.T) {
	_, err := NewProducer(ProducerConfig{}, nil, nil)
	assert.Error(t, err)

	_, err = NewConsumer(DefaultConsumerConfig([]string{"localhost:9092"}, "g"), func(context.Context, Message) error { return nil }, nil, nil)
	assert.Error(t, err, "no topics")

	_, err = NewConsumer(DefaultConsumerConfig([]string{"localhost:9092"}, "g", "t"), nil, nil, nil)
	assert.Error(t, err, "no handler")
}
