package notes

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
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/internal/validation"
)

// RiskReader is the read-only view of risk logs used for trend analysis
type RiskReader interface {
	RecentLogs(ctx context.Context, subjectID string, since time.Time, limit int) ([]risk.Log, error)
}

// Service owns note version writes and derives diffs and trends
type Service struct {
	store   Store
	risks   RiskReader
	trends  *analyzer
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithTrendConfig overrides DefaultTrendConfig
func WithTrendConfig(cfg TrendConfig) Option {
	return func(s *Service) { s.trends = newAnalyzer(cfg) }
}

// WithMetrics records saved-version counters
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service
func NewService(store Store, risks RiskReader, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		risks:  risks,
		trends: newAnalyzer(DefaultTrendConfig()),
		logger: logger,
		tracer: otel.Tracer("clinsafe/notes"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveVersion appends a new version for the subject
func (s *Service) SaveVersion(ctx context.Context, d Draft) (*Version, error) {
	ctx, span := s.tracer.Start(ctx, "notes.save_version",
		trace.WithAttributes(attribute.String("subject_id", d.SubjectID)))
	defer span.End()

	if err := validation.Struct(d); err != nil {
		return nil, err
	}
	if d.Sections.Empty() {
		return nil, apperror.Invalid("sections", "at least one section must have content")
	}

	v := &Version{
		ID:        uuid.NewString(),
		SubjectID: d.SubjectID,
		SessionID: d.SessionID,
		Sections:  d.Sections,
		Notes:     d.Notes,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Append(ctx, v); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save note version: %w", err)
	}
	s.metrics.NoteVersionSaved()

	s.logger.Info("note version saved",
		zap.String("subject_id", v.SubjectID),
		zap.Int("version", v.Number))
	return v, nil
}

// Versions returns every version of the subject, newest first
func (s *Service) Versions(ctx context.Context, subjectID string) ([]Version, error) {
	if subjectID == "" {
		return nil, apperror.Invalid("subject_id", "is required")
	}
	vs, err := s.store.List(ctx, subjectID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list note versions: %w", err)
	}
	return vs, nil
}

// Version returns one version
func (s *Service) Version(ctx context.Context, subjectID string, number int) (*Version, error) {
	return s.store.Get(ctx, subjectID, number)
}

// DiffVersions compares versions from and to of the subject
func (s *Service) DiffVersions(ctx context.Context, subjectID string, from, to int) (*VersionDiff, error) {
	a, err := s.store.Get(ctx, subjectID, from)
	if err != nil {
		return nil, err
	}
	b, err := s.store.Get(ctx, subjectID, to)
	if err != nil {
		return nil, err
	}
	d := Diff(*a, *b)
	return &d, nil
}

// AnalyzeTrends derives a trend report from the subject's versions and risk
// logs over the trailing months.
func (s *Service) AnalyzeTrends(ctx context.Context, subjectID string, months int) (*TrendReport, error) {
	ctx, span := s.tracer.Start(ctx, "notes.analyze_trends",
		trace.WithAttributes(attribute.String("subject_id", subjectID), attribute.Int("months", months)))
	defer span.End()

	if subjectID == "" {
		return nil, apperror.Invalid("subject_id", "is required")
	}
	if months <= 0 {
		return nil, apperror.Invalid("months", "must be greater than 0")
	}

	since := s.now().AddDate(0, -months, 0)
	versions, err := s.store.List(ctx, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("trend versions: %w", err)
	}

	var logs []risk.Log
	if len(versions) >= 2 && s.risks != nil {
		logs, err = s.risks.RecentLogs(ctx, subjectID, since, 0)
		if err != nil {
			return nil, fmt.Errorf("trend risk logs: %w", err)
		}
	}

	return s.trends.report(subjectID, months, versions, logs), nil
}
