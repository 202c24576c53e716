// Package erx owns the lifecycle of electronic prescription submissions:
// creation, transmission to the pharmacy network and user-driven retry.
package erx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carepath/clinsafe/internal/apperror"
)

// Status is a submission state
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

var (
	// ErrInvalidTransition is wrapped when a transition is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid submission transition")
	// ErrRetryLimitReached is wrapped when the retry policy forbids another attempt
	ErrRetryLimitReached = errors.New("retry limit reached")
	// ErrAlreadyTransmitted is wrapped when a prescription already reached the pharmacy
	ErrAlreadyTransmitted = errors.New("prescription already transmitted")
)

// Transition is one entry of a record's status history
type Transition struct {
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	Attempt int       `json:"attempt"`
	Code    string    `json:"code,omitempty"`
	At      time.Time `json:"at"`
}

// Record is an e-Rx submission. Records are never deleted; Transitions only grows.
type Record struct {
	ID                      string       `json:"id"`
	PrescriptionID          string       `json:"prescription_id"`
	Status                  Status       `json:"status"`
	ConfirmationCode        string       `json:"confirmation_code,omitempty"`
	PharmacyResponseCode    string       `json:"pharmacy_response_code,omitempty"`
	PharmacyResponseMessage string       `json:"pharmacy_response_message,omitempty"`
	CreatedAt               time.Time    `json:"created_at"`
	LastAttemptAt           *time.Time   `json:"last_attempt_at,omitempty"`
	AttemptCount            int          `json:"attempt_count"`
	Transitions             []Transition `json:"transitions"`
	// ClaimedUntil is set while one attempt owns the record
	ClaimedUntil *time.Time `json:"-"`
	// Version guards against stale writes; it increases on every update
	Version int `json:"-"`
}

// inFlight reports whether an attempt holds the record at now
func (r *Record) inFlight(now time.Time) bool {
	return r.ClaimedUntil != nil && r.ClaimedUntil.After(now)
}

// canTransition reports whether from -> to is part of the state machine
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending, StatusFailed:
		return to == StatusSent || to == StatusFailed
	default:
		return false
	}
}

// applyOutcome moves the record to the attempt's outcome
func (r *Record) applyOutcome(res Result, at time.Time) error {
	to := StatusFailed
	if res.Sent {
		to = StatusSent
	}
	if !canTransition(r.Status, to) {
		return fmt.Errorf("%s -> %s: %w", r.Status, to, ErrInvalidTransition)
	}

	r.AttemptCount++
	r.LastAttemptAt = &at
	r.PharmacyResponseCode = res.Code
	r.PharmacyResponseMessage = res.Message
	if res.Sent {
		r.ConfirmationCode = res.ConfirmationCode
	}
	r.Transitions = append(r.Transitions, Transition{
		From:    r.Status,
		To:      to,
		Attempt: r.AttemptCount,
		Code:    res.Code,
		At:      at,
	})
	r.Status = to
	r.ClaimedUntil = nil
	return nil
}

// RetryPolicy bounds user-driven retries
type RetryPolicy struct {
	// MaxAttempts caps total transmission attempts per record; 0 is unlimited
	MaxAttempts int
}

func (p RetryPolicy) allows(attempts int) bool {
	return p.MaxAttempts <= 0 || attempts < p.MaxAttempts
}

// Store persists submission records
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Update writes r if the stored version equals r.Version, then bumps
	// r.Version. A mismatch returns an error wrapping apperror.ErrConflict.
	Update(ctx context.Context, r *Record) error
	// Claim sets ClaimedUntil under the same version check as Update,
	// without publishing the record.
	Claim(ctx context.Context, r *Record, until time.Time) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)
	ListByPrescription(ctx context.Context, prescriptionID string) ([]Record, error)
}

func notFound(id string) error { return apperror.NotFound("submission", id) }
