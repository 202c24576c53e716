package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/pkg/circuitbreaker"
)

// Outcome is the result of one channel attempt
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

var (
	errNoSender  = errors.New("channel not configured")
	errNoContact = errors.New("no contact address")
	errNoOwner   = errors.New("subject has no owner")
)

// Delivery records what happened on one channel
type Delivery struct {
	Channel Channel `json:"channel"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Report summarizes a Notify call. Channel failures appear here and are
// never returned as errors.
type Report struct {
	RiskLogID  string     `json:"risk_log_id"`
	Level      risk.Level `json:"level"`
	Deliveries []Delivery `json:"deliveries"`
}

// Delivered reports whether ch delivered
func (r Report) Delivered(ch Channel) bool {
	for _, d := range r.Deliveries {
		if d.Channel == ch && d.Outcome == OutcomeDelivered {
			return true
		}
	}
	return false
}

// Settled reports whether the log needs no further dispatch: at least one
// channel delivered or none failed. Skipped channels cannot succeed on a
// retry until configuration changes, so they do not hold a log pending.
func (r Report) Settled() bool {
	failed := false
	for _, d := range r.Deliveries {
		switch d.Outcome {
		case OutcomeDelivered:
			return true
		case OutcomeFailed:
			failed = true
		}
	}
	return !failed
}

// Senders are the transports used by the dispatcher. A nil sender disables
// its channel.
type Senders struct {
	Email EmailSender
	SMS   SMSSender
	InApp InAppSender
}

// Dispatcher fans a risk log out to its channels
type Dispatcher struct {
	senders  Senders
	owners   OwnerResolver
	breakers *circuitbreaker.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	lease    time.Duration
}

// DefaultClaimLease bounds how long a dispatch holds a high-risk log before
// another dispatcher may take it over
const DefaultClaimLease = 2 * time.Minute

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithBreakers runs every channel call through a breaker named after the channel
func WithBreakers(r *circuitbreaker.Registry) Option { return func(d *Dispatcher) { d.breakers = r } }

// WithMetrics counts deliveries
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithClaimLease overrides DefaultClaimLease
func WithClaimLease(lease time.Duration) Option { return func(d *Dispatcher) { d.lease = lease } }

// NewDispatcher creates a Dispatcher
func NewDispatcher(senders Senders, owners OwnerResolver, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		senders: senders,
		owners:  owners,
		logger:  logger,
		tracer:  otel.Tracer("clinsafe/alerting"),
		now:     time.Now,
		lease:   DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Plan returns the channels a log at the given level uses under prefs:
// high uses every enabled channel, medium only in-app, low nothing.
func Plan(level risk.Level, prefs Preferences) []Channel {
	var out []Channel
	switch level {
	case risk.LevelHigh:
		if prefs.Email {
			out = append(out, ChannelEmail)
		}
		if prefs.SMS {
			out = append(out, ChannelSMS)
		}
		if prefs.InApp {
			out = append(out, ChannelInApp)
		}
	case risk.LevelMedium:
		if prefs.InApp {
			out = append(out, ChannelInApp)
		}
	}
	return out
}

// Notify delivers l on every planned channel concurrently. Each channel is
// isolated: an error or panic in one is recorded in the report and does not
// affect the others.
func (d *Dispatcher) Notify(ctx context.Context, l risk.Log, prefs Preferences) Report {
	ctx, span := d.tracer.Start(ctx, "alerting.notify", trace.WithAttributes(
		attribute.String("risk_log_id", l.ID),
		attribute.String("level", string(l.Level)),
	))
	defer span.End()

	channels := Plan(l.Level, prefs)
	report := Report{RiskLogID: l.ID, Level: l.Level, Deliveries: make([]Delivery, len(channels))}

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Deliveries[i] = d.deliver(ctx, ch, l, prefs)
		}()
	}
	wg.Wait()

	return report
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, l risk.Log, prefs Preferences) (out Delivery) {
	out.Channel = ch
	defer func() {
		if r := recover(); r != nil {
			out.Outcome = OutcomeFailed
			out.Error = fmt.Sprintf("panic: %v", r)
		}
		d.record(out, l)
	}()

	send, err := d.prepare(ctx, ch, l, prefs)
	if err != nil {
		out.Outcome, out.Error = OutcomeFailed, err.Error()
		if errors.Is(err, errNoSender) || errors.Is(err, errNoContact) || errors.Is(err, errNoOwner) {
			out.Outcome = OutcomeSkipped
		}
		return out
	}
	if d.breakers != nil {
		b, err := d.breakers.Get("notify-" + string(ch))
		if err != nil {
			out.Outcome, out.Error = OutcomeFailed, err.Error()
			return out
		}
		inner := send
		send = func(ctx context.Context) error { return b.Do(ctx, inner) }
	}

	if err := send(ctx); err != nil {
		out.Outcome, out.Error = OutcomeFailed, err.Error()
		return out
	}
	out.Outcome = OutcomeDelivered
	return out
}

// prepare checks the channel can be used and returns the transport call.
// Missing senders, contacts and owners are reported before the breaker.
func (d *Dispatcher) prepare(ctx context.Context, ch Channel, l risk.Log, prefs Preferences) (func(context.Context) error, error) {
	subject, body := message(l)
	switch ch {
	case ChannelEmail:
		if d.senders.Email == nil {
			return nil, errNoSender
		}
		if prefs.EmailAddress == "" {
			return nil, errNoContact
		}
		return func(ctx context.Context) error {
			return d.senders.Email.SendEmail(ctx, prefs.EmailAddress, subject, body)
		}, nil
	case ChannelSMS:
		if d.senders.SMS == nil {
			return nil, errNoSender
		}
		if prefs.PhoneNumber == "" {
			return nil, errNoContact
		}
		return func(ctx context.Context) error {
			return d.senders.SMS.SendSMS(ctx, prefs.PhoneNumber, subject)
		}, nil
	case ChannelInApp:
		if d.senders.InApp == nil || d.owners == nil {
			return nil, errNoSender
		}
		owner, err := d.owners.Owner(ctx, l.SubjectID)
		if err != nil {
			return nil, fmt.Errorf("resolve owner: %w", err)
		}
		if owner == "" {
			return nil, errNoOwner
		}
		n := InAppNotification{
			ID:        uuid.NewString(),
			UserID:    owner,
			SubjectID: l.SubjectID,
			RiskLogID: l.ID,
			Level:     string(l.Level),
			Title:     subject,
			Message:   body,
			CreatedAt: d.now().UTC(),
		}
		return func(ctx context.Context) error { return d.senders.InApp.SendInApp(ctx, n) }, nil
	default:
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
}

func (d *Dispatcher) record(out Delivery, l risk.Log) {
	d.metrics.NotificationDelivered(string(out.Channel), out.Outcome == OutcomeDelivered)

	fields := []zap.Field{
		zap.String("channel", string(out.Channel)),
		zap.String("risk_log_id", l.ID),
		zap.String("subject_id", l.SubjectID),
		zap.String("level", string(l.Level)),
	}
	switch out.Outcome {
	case OutcomeDelivered:
		d.logger.Debug("notification delivered", fields...)
	case OutcomeSkipped:
		d.logger.Warn("notification dropped", append(fields, zap.String("reason", out.Error))...)
	default:
		d.logger.Error("notification failed", append(fields, zap.String("error", out.Error))...)
	}
}

func message(l risk.Log) (subject, body string) {
	subject = fmt.Sprintf("%s risk detected for subject %s", l.Level, l.SubjectID)
	body = fmt.Sprintf("Risk level: %s\nScore: %d\nKeywords: %v\nDetected: %s\n\n%s",
		l.Level, l.Score, l.Keywords, l.CreatedAt.Format(time.RFC3339), l.Snippet)
	return subject, body
}

// Marker claims high-risk logs for dispatch and records that they were
// notified
type Marker interface {
	ClaimNotify(ctx context.Context, id string, lease time.Duration) (bool, error)
	ReleaseNotify(ctx context.Context, id string) error
	MarkNotified(ctx context.Context, id string) (bool, error)
}

var (
	// ErrUndelivered means a notification had channels to try and none accepted it
	ErrUndelivered = errors.New("notification not delivered")
	// ErrClaimed means another dispatcher holds the log or already notified it
	ErrClaimed = errors.New("risk log claimed by another dispatch")
)

// Dispatch notifies l using the subject's preferences. A high-risk log is
// claimed before any channel is tried and marked once the report settles,
// so concurrent hooks, consumers and sweeps send it once. An unsettled
// dispatch releases the claim, returns ErrUndelivered and leaves the log
// pending.
func (d *Dispatcher) Dispatch(ctx context.Context, prefs PreferenceSource, marker Marker, l risk.Log) (Report, error) {
	empty := Report{RiskLogID: l.ID, Level: l.Level}
	p, err := prefs.Preferences(ctx, l.SubjectID)
	if err != nil {
		return empty, fmt.Errorf("load preferences: %w", err)
	}

	claimed := l.Level == risk.LevelHigh && marker != nil
	if claimed {
		ok, err := marker.ClaimNotify(ctx, l.ID, d.lease)
		if err != nil {
			return empty, err
		}
		if !ok {
			return empty, fmt.Errorf("risk log %s: %w", l.ID, ErrClaimed)
		}
	}

	report := d.Notify(ctx, l, p)
	if !report.Settled() {
		if claimed {
			if err := marker.ReleaseNotify(ctx, l.ID); err != nil {
				d.logger.Warn("release dispatch claim", zap.String("risk_log_id", l.ID), zap.Error(err))
			}
		}
		return report, fmt.Errorf("risk log %s: %w", l.ID, ErrUndelivered)
	}
	if !claimed {
		return report, nil
	}
	if _, err := marker.MarkNotified(ctx, l.ID); err != nil {
		return report, fmt.Errorf("mark notified: %w", err)
	}
	return report, nil
}

// Hook returns a risk.Hook that dispatches each new log. Undelivered logs
// are left to the sweeper.
func (d *Dispatcher) Hook(prefs PreferenceSource, marker Marker) risk.Hook {
	return func(ctx context.Context, l risk.Log) error {
		_, err := d.Dispatch(ctx, prefs, marker, l)
		if err != nil && !errors.Is(err, ErrUndelivered) && !errors.Is(err, ErrClaimed) {
			return err
		}
		return nil
	}
}
