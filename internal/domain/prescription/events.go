package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/carepath/clinsafe/internal/domain/safety"
)

// EventType names a prescription domain event
type EventType string

const (
	EventPrescriptionCreated            EventType = "PrescriptionCreated"
	EventPrescriptionTransmitted        EventType = "PrescriptionTransmitted"
	EventPrescriptionTransmissionFailed EventType = "PrescriptionTransmissionFailed"
)

// Event is one entry in a prescription's event stream
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent encodes data into a new event for the aggregate
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     raw,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// CreatedData is the payload of PrescriptionCreated
type CreatedData struct {
	PrescriptionID string             `json:"prescription_id"`
	PatientID      string             `json:"patient_id"`
	Items          []safety.DraftItem `json:"items"`
	Notes          string             `json:"notes,omitempty"`
	RiskLevel      safety.Level       `json:"risk_level"`
	Findings       []safety.Finding   `json:"findings,omitempty"`
	// Confirmed records that a danger finding was explicitly acknowledged
	Confirmed bool `json:"confirmed"`
}

// TransmittedData is the payload of PrescriptionTransmitted
type TransmittedData struct {
	SubmissionID     string    `json:"submission_id"`
	ConfirmationCode string    `json:"confirmation_code"`
	TransmittedAt    time.Time `json:"transmitted_at"`
}

// TransmissionFailedData is the payload of PrescriptionTransmissionFailed
type TransmissionFailedData struct {
	SubmissionID    string    `json:"submission_id"`
	ResponseCode    string    `json:"response_code"`
	ResponseMessage string    `json:"response_message"`
	FailedAt        time.Time `json:"failed_at"`
}
