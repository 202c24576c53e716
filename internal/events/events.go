// Package events names the topics and payloads that leave the database
// through the outbox.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carepath/clinsafe/internal/domain/erx"
	"github.com/carepath/clinsafe/internal/domain/risk"
)

// Topics
const (
	TopicRiskEvents = "risk.events"
	TopicErxEvents  = "erx.events"
	TopicDeadLetter = "dead.letter"
)

// Event types
const (
	TypeRiskLogged       = "RiskLogged"
	TypeSubmissionUpdate = "SubmissionUpdated"
)

// RiskLogged is published for every new risk log
type RiskLogged struct {
	Log        risk.Log  `json:"log"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SubmissionUpdated is published whenever a submission record changes
type SubmissionUpdated struct {
	Record     erx.Record `json:"record"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// DeadLetter wraps an outbox entry that exhausted its retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DecodeRiskLogged parses a risk.events message
func DecodeRiskLogged(data []byte) (RiskLogged, error) {
	var e RiskLogged
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode %s: %w", TypeRiskLogged, err)
	}
	if e.Log.ID == "" || !e.Log.Level.Valid() {
		return e, fmt.Errorf("decode %s: missing log id or level", TypeRiskLogged)
	}
	return e, nil
}
