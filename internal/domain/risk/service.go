package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/internal/validation"
)

// Hook runs after a log is durably written. Its error is logged and never
// returned from LogRisk.
type Hook func(ctx context.Context, l Log) error

// Service owns risk log writes
type Service struct {
	store   Store
	hook    Hook
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithHook sets the post-log hook
func WithHook(h Hook) Option { return func(s *Service) { s.hook = h } }

// WithMetrics records risk log counters
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("clinsafe/risk"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHook replaces the post-log hook. It is not safe to call concurrently with LogRisk.
func (s *Service) SetHook(h Hook) { s.hook = h }

// LogRisk validates and persists a risk event, then runs the hook
func (s *Service) LogRisk(ctx context.Context, e Entry) (*Log, error) {
	ctx, span := s.tracer.Start(ctx, "risk.log", trace.WithAttributes(
		attribute.String("subject_id", e.SubjectID),
		attribute.String("level", string(e.Level)),
	))
	defer span.End()

	if err := validation.Struct(e); err != nil {
		return nil, err
	}

	keywords := e.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	l := &Log{
		ID:        uuid.NewString(),
		SubjectID: e.SubjectID,
		SessionID: e.SessionID,
		Level:     e.Level,
		Keywords:  keywords,
		Snippet:   Truncate(e.Snippet, MaxSnippetLength),
		Score:     Score(e.Level),
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.Insert(ctx, l); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("log risk: %w", err)
	}
	s.metrics.RiskLogged(string(l.Level))

	s.logger.Info("risk logged",
		zap.String("risk_log_id", l.ID),
		zap.String("subject_id", l.SubjectID),
		zap.String("level", string(l.Level)),
		zap.Int("score", l.Score))

	if s.hook != nil {
		if err := s.hook(ctx, *l); err != nil {
			s.logger.Warn("risk post-log hook failed",
				zap.String("risk_log_id", l.ID),
				zap.Error(err))
		}
	}

	return l, nil
}

// GetRiskStats counts the subject's logs in the trailing window and returns
// the most recent ones.
func (s *Service) GetRiskStats(ctx context.Context, subjectID string, windowDays int) (*Stats, error) {
	if subjectID == "" {
		return nil, apperror.Invalid("subject_id", "is required")
	}
	if windowDays <= 0 {
		return nil, apperror.Invalid("days", "must be greater than 0")
	}

	logs, err := s.store.List(ctx, Query{
		SubjectID: subjectID,
		Since:     s.now().Add(-time.Duration(windowDays) * 24 * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("risk stats: %w", err)
	}

	st := &Stats{SubjectID: subjectID, WindowDays: windowDays, Total: len(logs)}
	for _, l := range logs {
		switch l.Level {
		case LevelHigh:
			st.High++
		case LevelMedium:
			st.Medium++
		case LevelLow:
			st.Low++
		}
	}
	n := min(len(logs), RecentStatsLimit)
	st.Recent = append([]Log{}, logs[:n]...)
	return st, nil
}

// GetHighRiskLogs returns high-level logs across all subjects in the trailing window
func (s *Service) GetHighRiskLogs(ctx context.Context, hours int) ([]Log, error) {
	if hours <= 0 {
		return nil, apperror.Invalid("hours", "must be greater than 0")
	}
	logs, err := s.store.List(ctx, Query{
		Level: LevelHigh,
		Since: s.now().Add(-time.Duration(hours) * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("high risk logs: %w", err)
	}
	return logs, nil
}

// PendingHighRiskLogs returns high-level logs in the window that were never notified
func (s *Service) PendingHighRiskLogs(ctx context.Context, hours int) ([]Log, error) {
	if hours <= 0 {
		return nil, apperror.Invalid("hours", "must be greater than 0")
	}
	logs, err := s.store.List(ctx, Query{
		Level:       LevelHigh,
		Since:       s.now().Add(-time.Duration(hours) * time.Hour),
		OnlyPending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pending high risk logs: %w", err)
	}
	return logs, nil
}

// RecentLogs returns up to limit of the subject's logs created at or after since
func (s *Service) RecentLogs(ctx context.Context, subjectID string, since time.Time, limit int) ([]Log, error) {
	logs, err := s.store.List(ctx, Query{SubjectID: subjectID, Since: since, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("recent risk logs: %w", err)
	}
	return logs, nil
}

// Get returns one log
func (s *Service) Get(ctx context.Context, id string) (*Log, error) {
	return s.store.Get(ctx, id)
}

// MarkNotified stamps the log as escalated. It reports false if it already was.
func (s *Service) MarkNotified(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.MarkNotified(ctx, id, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	return ok, nil
}

// ClaimNotify leases the log to one dispatcher for lease. It reports false
// when the log is already notified or claimed elsewhere.
func (s *Service) ClaimNotify(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := s.now().UTC()
	ok, err := s.store.ClaimNotify(ctx, id, now, now.Add(lease))
	if err != nil {
		return false, fmt.Errorf("claim notify: %w", err)
	}
	return ok, nil
}

// ReleaseNotify gives up a claim taken by ClaimNotify
func (s *Service) ReleaseNotify(ctx context.Context, id string) error {
	if err := s.store.ReleaseNotify(ctx, id); err != nil {
		return fmt.Errorf("release notify: %w", err)
	}
	return nil
}
