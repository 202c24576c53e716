package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/safety"
	"github.com/carepath/clinsafe/internal/observability/metrics"
)

// ErrConfirmationRequired is wrapped when a draft with danger findings is
// saved without explicit confirmation.
var ErrConfirmationRequired = errors.New("danger-level findings require explicit confirmation")

// ConfirmationRequiredError carries the findings that blocked the save. It
// unwraps to a ValidationError wrapping ErrConfirmationRequired.
type ConfirmationRequiredError struct {
	Findings []safety.Finding
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("%d finding(s): %s", len(e.Findings), ErrConfirmationRequired)
}

func (e *ConfirmationRequiredError) Unwrap() error {
	return &apperror.ValidationError{
		Field:   "confirmed",
		Message: ErrConfirmationRequired.Error(),
		Cause:   ErrConfirmationRequired,
	}
}

// AllergyLookup resolves a patient's recorded allergies
type AllergyLookup interface {
	Allergies(ctx context.Context, patientID string) ([]string, error)
}

// StaticAllergies is an AllergyLookup over a fixed map
type StaticAllergies map[string][]string

func (m StaticAllergies) Allergies(_ context.Context, patientID string) ([]string, error) {
	return m[patientID], nil
}

// Evaluation is the result of screening a draft
type Evaluation struct {
	Findings             []safety.Finding `json:"findings"`
	Level                safety.Level     `json:"level"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
}

// TransmissionOutcome is reported by the e-Rx pipeline after each attempt
type TransmissionOutcome struct {
	SubmissionID     string
	Sent             bool
	ConfirmationCode string
	ResponseCode     string
	ResponseMessage  string
	At               time.Time
}

const maxSaveRetries = 3

// Service runs the authoring flow
type Service struct {
	repo      Repository
	evaluator *safety.Evaluator
	allergies AllergyLookup
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// NewService creates a Service. allergies may be nil.
func NewService(repo Repository, evaluator *safety.Evaluator, allergies AllergyLookup, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		evaluator: evaluator,
		allergies: allergies,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("clinsafe/prescription"),
	}
}

// Evaluate validates and screens a draft. extraAllergies are merged with
// the patient's recorded allergies.
func (s *Service) Evaluate(ctx context.Context, draft safety.Draft, extraAllergies []string) (*Evaluation, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.evaluate",
		trace.WithAttributes(attribute.Int("items", len(draft.Items))))
	defer span.End()

	if err := safety.ValidateDraft(draft); err != nil {
		return nil, err
	}

	allergies := append([]string(nil), extraAllergies...)
	if s.allergies != nil {
		recorded, err := s.allergies.Allergies(ctx, draft.PatientID)
		if err != nil {
			return nil, fmt.Errorf("allergy lookup: %w", err)
		}
		allergies = append(allergies, recorded...)
	}

	findings := s.evaluator.Evaluate(draft, allergies)
	if findings == nil {
		findings = []safety.Finding{}
	}
	level := safety.Summarize(findings)
	s.metrics.Evaluation(string(level))
	span.SetAttributes(attribute.String("level", string(level)))

	return &Evaluation{
		Findings:             findings,
		Level:                level,
		RequiresConfirmation: level == safety.LevelDanger,
	}, nil
}

// Create screens the draft and saves it. A draft with a danger finding is
// rejected with *ConfirmationRequiredError unless confirmed is true.
func (s *Service) Create(ctx context.Context, draft safety.Draft, extraAllergies []string, confirmed bool) (*Prescription, error) {
	ev, err := s.Evaluate(ctx, draft, extraAllergies)
	if err != nil {
		return nil, err
	}
	if ev.RequiresConfirmation && !confirmed {
		return nil, &ConfirmationRequiredError{Findings: ev.Findings}
	}

	agg := NewAggregate(uuid.NewString())
	if err := agg.Create(&CreatedData{
		PatientID: draft.PatientID,
		Items:     draft.Items,
		Notes:     draft.Notes,
		RiskLevel: ev.Level,
		Findings:  ev.Findings,
		Confirmed: confirmed && ev.RequiresConfirmation,
	}); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, agg); err != nil {
		return nil, fmt.Errorf("save prescription: %w", err)
	}
	s.metrics.PrescriptionCreated(string(ev.Level))

	s.logger.Info("prescription created",
		zap.String("prescription_id", agg.ID()),
		zap.String("patient_id", draft.PatientID),
		zap.String("risk_level", string(ev.Level)),
		zap.Bool("confirmed", confirmed))

	p := agg.View()
	return &p, nil
}

// Get returns the prescription read model
func (s *Service) Get(ctx context.Context, id string) (*Prescription, error) {
	agg, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	p := agg.View()
	return &p, nil
}

// RecordTransmission applies an e-Rx attempt outcome to the prescription
func (s *Service) RecordTransmission(ctx context.Context, id string, o TransmissionOutcome) error {
	var err error
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		var agg *Aggregate
		agg, err = s.repo.Load(ctx, id)
		if err != nil {
			return err
		}

		if o.Sent {
			err = agg.MarkTransmitted(o.SubmissionID, o.ConfirmationCode, o.At)
		} else {
			err = agg.MarkTransmissionFailed(o.SubmissionID, o.ResponseCode, o.ResponseMessage, o.At)
		}
		if err != nil {
			return err
		}

		err = s.repo.Save(ctx, agg)
		if !apperror.IsConflict(err) {
			return err
		}
	}
	return err
}
