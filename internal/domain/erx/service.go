package erx

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
	"github.com/carepath/clinsafe/internal/domain/prescription"
	"github.com/carepath/clinsafe/internal/observability/metrics"
	"github.com/carepath/clinsafe/pkg/keylock"
)

// Prescriptions is the view of the prescription store the pipeline needs
type Prescriptions interface {
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
	RecordTransmission(ctx context.Context, id string, o prescription.TransmissionOutcome) error
}

// Service runs submissions and retries
type Service struct {
	store         Store
	prescriptions Prescriptions
	transmitter   Transmitter
	policy        RetryPolicy
	lease         time.Duration
	locks         *keylock.Locker
	logger        *zap.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithRetryPolicy sets the retry ceiling
func WithRetryPolicy(p RetryPolicy) Option { return func(s *Service) { s.policy = p } }

// WithMetrics records attempt outcomes
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithAttemptLease overrides DefaultAttemptLease
func WithAttemptLease(d time.Duration) Option { return func(s *Service) { s.lease = d } }

// DefaultAttemptLease is how long one attempt owns a record. A record left
// pending past its lease, because its outcome was never written, can be
// retried.
const DefaultAttemptLease = time.Minute

// NewService creates a Service
func NewService(store Store, prescriptions Prescriptions, tx Transmitter, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:         store,
		prescriptions: prescriptions,
		transmitter:   tx,
		lease:         DefaultAttemptLease,
		locks:         keylock.New(),
		logger:        logger,
		tracer:        otel.Tracer("clinsafe/erx"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a pending record for the prescription and attempts
// transmission once. A failed transmission is returned as a failed record,
// not as an error. Prescriptions that were already transmitted, or that
// have an attempt in flight, are rejected.
func (s *Service) Submit(ctx context.Context, prescriptionID string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "erx.submit",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	if prescriptionID == "" {
		return nil, apperror.Invalid("prescription_id", "is required")
	}
	p, err := s.prescriptions.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.checkResubmission(ctx, p, now); err != nil {
		return nil, err
	}

	until := now.Add(s.lease)
	rec := &Record{
		ID:             uuid.NewString(),
		PrescriptionID: prescriptionID,
		Status:         StatusPending,
		CreatedAt:      now,
		ClaimedUntil:   &until,
		Transitions:    []Transition{{To: StatusPending, At: now}},
	}

	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	if err := s.attempt(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

func (s *Service) checkResubmission(ctx context.Context, p *prescription.Prescription, now time.Time) error {
	if p.Status == prescription.StatusTransmitted {
		return &apperror.ValidationError{
			Field:   "prescription_id",
			Message: "prescription was already transmitted",
			Cause:   ErrAlreadyTransmitted,
		}
	}
	existing, err := s.store.ListByPrescription(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}
	for _, r := range existing {
		switch {
		case r.Status == StatusSent:
			return &apperror.ValidationError{
				Field:   "prescription_id",
				Message: fmt.Sprintf("prescription was already transmitted by submission %s", r.ID),
				Cause:   ErrAlreadyTransmitted,
			}
		case r.inFlight(now):
			return fmt.Errorf("submission %s is in flight: %w", r.ID, apperror.ErrConflict)
		}
	}
	return nil
}

// Retry re-attempts transmission of a failed record, or of a pending one
// whose attempt lease expired without an outcome. The record is claimed in
// the store before transmitting, so concurrent retries from any process
// send it at most once; the losers get a conflict.
func (s *Service) Retry(ctx context.Context, id string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "erx.retry",
		trace.WithAttributes(attribute.String("submission_id", id)))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if rec.Status != StatusFailed && rec.Status != StatusPending {
		return nil, &apperror.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("only failed or stalled submissions can be retried; submission is %s", rec.Status),
			Cause:   ErrInvalidTransition,
		}
	}
	if rec.inFlight(now) {
		return nil, fmt.Errorf("submission %s has an attempt in flight: %w", id, apperror.ErrConflict)
	}
	if !s.policy.allows(rec.AttemptCount) {
		return nil, &apperror.ValidationError{
			Field:   "attempt_count",
			Message: fmt.Sprintf("submission reached the limit of %d attempts", s.policy.MaxAttempts),
			Cause:   ErrRetryLimitReached,
		}
	}

	if err := s.store.Claim(ctx, rec, now.Add(s.lease)); err != nil {
		return nil, fmt.Errorf("claim submission: %w", err)
	}
	if err := s.attempt(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// attempt transmits rec and persists the outcome. The caller holds the
// record lock and its claim.
func (s *Service) attempt(ctx context.Context, rec *Record) error {
	res := s.transmitter.Transmit(ctx, *rec)
	at := s.now().UTC()

	if err := rec.applyOutcome(res, at); err != nil {
		return err
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("update submission: %w", err)
	}

	outcome := "failed"
	if res.Sent {
		outcome = "sent"
	}
	s.metrics.SubmissionAttempt(outcome)

	fields := []zap.Field{
		zap.String("submission_id", rec.ID),
		zap.String("prescription_id", rec.PrescriptionID),
		zap.String("status", string(rec.Status)),
		zap.Int("attempt", rec.AttemptCount),
		zap.String("response_code", res.Code),
	}
	if res.Sent {
		s.logger.Info("e-prescription sent", fields...)
	} else {
		s.logger.Warn("e-prescription transmission failed", fields...)
	}

	// The submission record is authoritative; a stale prescription status is
	// reconciled on the next attempt.
	if err := s.prescriptions.RecordTransmission(ctx, rec.PrescriptionID, prescription.TransmissionOutcome{
		SubmissionID:     rec.ID,
		Sent:             res.Sent,
		ConfirmationCode: res.ConfirmationCode,
		ResponseCode:     res.Code,
		ResponseMessage:  res.Message,
		At:               at,
	}); err != nil {
		s.logger.Warn("prescription status not updated",
			zap.String("prescription_id", rec.PrescriptionID),
			zap.Error(err))
	}
	return nil
}

// Get returns a record
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListFailed returns failed records, oldest attempt first
func (s *Service) ListFailed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, StatusFailed, limit)
}

// ListByPrescription returns every submission made for a prescription
func (s *Service) ListByPrescription(ctx context.Context, prescriptionID string) ([]Record, error) {
	return s.store.ListByPrescription(ctx, prescriptionID)
}
