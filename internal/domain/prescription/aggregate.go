// Package prescription implements the event-sourced prescription aggregate
// and the authoring flow that gates it behind the safety evaluator.
package prescription

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carepath/clinsafe/internal/domain/safety"
)

// Status is the prescription lifecycle state
type Status string

const (
	StatusDraft              Status = "draft"
	StatusActive             Status = "active"
	StatusTransmitted        Status = "transmitted"
	StatusTransmissionFailed Status = "transmission_failed"
)

// ErrInvalidState is returned when an event does not fit the current status
var ErrInvalidState = errors.New("invalid prescription state")

// Prescription is the read view of an aggregate
type Prescription struct {
	ID               string             `json:"id"`
	PatientID        string             `json:"patient_id"`
	Items            []safety.DraftItem `json:"items"`
	Notes            string             `json:"notes,omitempty"`
	Status           Status             `json:"status"`
	RiskLevel        safety.Level       `json:"risk_level"`
	Findings         []safety.Finding   `json:"findings"`
	Confirmed        bool               `json:"confirmed"`
	ConfirmationCode string             `json:"confirmation_code,omitempty"`
	Version          int                `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Aggregate is the prescription aggregate root
type Aggregate struct {
	id               string
	version          int
	status           Status
	patientID        string
	items            []safety.DraftItem
	notes            string
	riskLevel        safety.Level
	findings         []safety.Finding
	confirmed        bool
	confirmationCode string
	createdAt        time.Time
	updatedAt        time.Time
	changes          []*Event
}

// NewAggregate creates an empty aggregate in draft state
func NewAggregate(id string) *Aggregate {
	return &Aggregate{id: id, status: StatusDraft}
}

func (a *Aggregate) ID() string        { return a.id }
func (a *Aggregate) Version() int      { return a.version }
func (a *Aggregate) Status() Status    { return a.status }
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges drops events after they are persisted
func (a *Aggregate) ClearChanges() { a.changes = nil }

// Create records the evaluated draft
func (a *Aggregate) Create(data *CreatedData) error {
	if a.status != StatusDraft {
		return fmt.Errorf("create %s: %w", a.id, ErrInvalidState)
	}
	data.PrescriptionID = a.id
	return a.raise(EventPrescriptionCreated, data, data.PatientID)
}

// MarkTransmitted records a successful e-Rx transmission
func (a *Aggregate) MarkTransmitted(submissionID, confirmationCode string, at time.Time) error {
	if a.status != StatusActive && a.status != StatusTransmissionFailed {
		return fmt.Errorf("mark %s transmitted from %s: %w", a.id, a.status, ErrInvalidState)
	}
	return a.raise(EventPrescriptionTransmitted, &TransmittedData{
		SubmissionID:     submissionID,
		ConfirmationCode: confirmationCode,
		TransmittedAt:    at,
	}, a.patientID)
}

// MarkTransmissionFailed records a failed e-Rx transmission
func (a *Aggregate) MarkTransmissionFailed(submissionID, code, message string, at time.Time) error {
	if a.status != StatusActive && a.status != StatusTransmissionFailed {
		return fmt.Errorf("mark %s failed from %s: %w", a.id, a.status, ErrInvalidState)
	}
	return a.raise(EventPrescriptionTransmissionFailed, &TransmissionFailedData{
		SubmissionID:    submissionID,
		ResponseCode:    code,
		ResponseMessage: message,
		FailedAt:        at,
	}, a.patientID)
}

func (a *Aggregate) raise(t EventType, data any, patientID string) error {
	e, err := NewEvent(a.id, t, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	e.PatientID = patientID
	if err := a.apply(e); err != nil {
		return err
	}
	a.changes = append(a.changes, e)
	return nil
}

func (a *Aggregate) apply(e *Event) error {
	switch e.EventType {
	case EventPrescriptionCreated:
		var d CreatedData
		if err := json.Unmarshal(e.EventData, &d); err != nil {
			return fmt.Errorf("decode %s: %w", e.EventType, err)
		}
		a.status = StatusActive
		a.patientID = d.PatientID
		a.items = d.Items
		a.notes = d.Notes
		a.riskLevel = d.RiskLevel
		a.findings = d.Findings
		a.confirmed = d.Confirmed
		a.createdAt = e.Timestamp
	case EventPrescriptionTransmitted:
		var d TransmittedData
		if err := json.Unmarshal(e.EventData, &d); err != nil {
			return fmt.Errorf("decode %s: %w", e.EventType, err)
		}
		a.status = StatusTransmitted
		a.confirmationCode = d.ConfirmationCode
	case EventPrescriptionTransmissionFailed:
		a.status = StatusTransmissionFailed
	default:
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	a.version++
	a.updatedAt = e.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from stored events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, e := range events {
		if err := a.apply(e); err != nil {
			return err
		}
	}
	return nil
}

// View returns the read model
func (a *Aggregate) View() Prescription {
	findings := a.findings
	if findings == nil {
		findings = []safety.Finding{}
	}
	return Prescription{
		ID:               a.id,
		PatientID:        a.patientID,
		Items:            a.items,
		Notes:            a.notes,
		Status:           a.status,
		RiskLevel:        a.riskLevel,
		Findings:         findings,
		Confirmed:        a.confirmed,
		ConfirmationCode: a.confirmationCode,
		Version:          a.version,
		CreatedAt:        a.createdAt,
		UpdatedAt:        a.updatedAt,
	}
}
