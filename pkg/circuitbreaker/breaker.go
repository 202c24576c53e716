// Package circuitbreaker guards calls to downstream collaborators such as the
// e-Rx gateway and notification channels. It wraps sony/gobreaker and records
// rejections and failures through OpenTelemetry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned when the breaker rejects a call without running it
var ErrOpen = errors.New("circuit open")

// State is the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds breaker thresholds
type Config struct {
	Name string
	// MaxRequests is the number of probe calls allowed while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker regardless of ratio
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns thresholds suited to a flaky external gateway
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// Breaker wraps gobreaker with tracing, metrics and logging
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls    metric.Int64Counter
	rejected metric.Int64Counter
	failed   metric.Int64Counter
}

// New creates a breaker
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("breaker name is required")
	}

	meter := otel.Meter("clinsafe/circuitbreaker")
	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("clinsafe/circuitbreaker"),
	}

	var err error
	if b.calls, err = meter.Int64Counter("breaker_calls_total",
		metric.WithDescription("Calls attempted through a breaker")); err != nil {
		return nil, fmt.Errorf("create calls counter: %w", err)
	}
	if b.rejected, err = meter.Int64Counter("breaker_rejections_total",
		metric.WithDescription("Calls rejected by an open breaker")); err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}
	if b.failed, err = meter.Int64Counter("breaker_failures_total",
		metric.WithDescription("Calls that ran and failed")); err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && c.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.MinRequests == 0 || c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))))
		},
		// Context cancellation is the caller giving up, not the dependency failing.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return b, nil
}

// Do runs fn through the breaker. A rejected call returns an error wrapping
// ErrOpen and fn is not invoked.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "breaker.do", trace.WithAttributes(
		attribute.String("breaker", b.name),
		attribute.String("state", string(b.State())),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("breaker", b.name))
	b.calls.Add(ctx, 1, attrs)

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	span.RecordError(err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("rejected", true))
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	b.failed.Add(ctx, 1, attrs)
	return err
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// State returns the current state
func (b *Breaker) State() State { return mapState(b.cb.State()) }

// Counts returns the gobreaker counters for the current generation
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Registry holds one breaker per name, created lazily from a shared template
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	template Config
	logger   *zap.Logger
}

// NewRegistry creates a registry whose breakers copy template thresholds
func NewRegistry(template Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		template: template,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b, nil
	}
	cfg := r.template
	cfg.Name = name
	b, err := New(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = b
	return b, nil
}

// Health describes one breaker for readiness reporting
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Health returns every breaker sorted by name
func (r *Registry) Health() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Health, 0, len(r.breakers))
	for name, b := range r.breakers {
		c := b.Counts()
		out = append(out, Health{Name: name, State: b.State(), Requests: c.Requests, Failures: c.TotalFailures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
