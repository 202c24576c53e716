// Package alerting delivers risk notifications over email, SMS and in-app
// channels and sweeps for high-risk logs that were never delivered.
package alerting

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel is a delivery channel
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// EmailSender delivers email
type EmailSender interface {
	SendEmail(ctx context.Context, address, subject, body string) error
}

// SMSSender delivers text messages
type SMSSender interface {
	SendSMS(ctx context.Context, number, message string) error
}

// InAppNotification is stored for the owning user's inbox
type InAppNotification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SubjectID string    `json:"subject_id"`
	RiskLogID string    `json:"risk_log_id"`
	Level     string    `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// InAppSender delivers in-app notifications
type InAppSender interface {
	SendInApp(ctx context.Context, n InAppNotification) error
}

// OwnerResolver finds the user responsible for a subject. An empty id with
// a nil error means the subject has no owner.
type OwnerResolver interface {
	Owner(ctx context.Context, subjectID string) (string, error)
}

// StaticOwners resolves owners from a fixed map
type StaticOwners map[string]string

func (m StaticOwners) Owner(_ context.Context, subjectID string) (string, error) {
	return m[subjectID], nil
}

// FixedOwner routes every subject to one user, typically an on-call team
type FixedOwner string

func (o FixedOwner) Owner(context.Context, string) (string, error) {
	return string(o), nil
}

// Preferences are the channels a notification may use
type Preferences struct {
	Email        bool   `json:"email" mapstructure:"email"`
	SMS          bool   `json:"sms" mapstructure:"sms"`
	InApp        bool   `json:"in_app" mapstructure:"in_app"`
	EmailAddress string `json:"email_address,omitempty" mapstructure:"email_address"`
	PhoneNumber  string `json:"phone_number,omitempty" mapstructure:"phone_number"`
}

// AllChannels enables every channel for the given contacts
func AllChannels(email, phone string) Preferences {
	return Preferences{Email: true, SMS: true, InApp: true, EmailAddress: email, PhoneNumber: phone}
}

// PreferenceSource looks up the preferences that apply to a subject
type PreferenceSource interface {
	Preferences(ctx context.Context, subjectID string) (Preferences, error)
}

// StaticPreferences returns per-subject preferences, falling back to Default
type StaticPreferences struct {
	Default   Preferences
	BySubject map[string]Preferences
}

func (s StaticPreferences) Preferences(_ context.Context, subjectID string) (Preferences, error) {
	if p, ok := s.BySubject[subjectID]; ok {
		return p, nil
	}
	return s.Default, nil
}

// LogEmailSender writes emails to the log instead of sending them
type LogEmailSender struct{ Logger *zap.Logger }

func (s LogEmailSender) SendEmail(_ context.Context, address, subject, body string) error {
	if s.Logger != nil {
		s.Logger.Info("email notification",
			zap.String("to", address),
			zap.String("subject", subject),
			zap.Int("body_length", len(body)))
	}
	return nil
}

// LogSMSSender writes text messages to the log instead of sending them
type LogSMSSender struct{ Logger *zap.Logger }

func (s LogSMSSender) SendSMS(_ context.Context, number, message string) error {
	if s.Logger != nil {
		s.Logger.Info("sms notification",
			zap.String("to", number),
			zap.Int("message_length", len(message)))
	}
	return nil
}

// InboxReader lists a user's in-app notifications, newest first
type InboxReader interface {
	List(ctx context.Context, userID string, limit int) ([]InAppNotification, error)
}

// MemoryInbox keeps in-app notifications in process
type MemoryInbox struct {
	mu     sync.RWMutex
	byUser map[string][]InAppNotification
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{byUser: make(map[string][]InAppNotification)}
}

func (m *MemoryInbox) SendInApp(_ context.Context, n InAppNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[n.UserID] = append(m.byUser[n.UserID], n)
	return nil
}

func (m *MemoryInbox) List(_ context.Context, userID string, limit int) ([]InAppNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.byUser[userID]
	out := make([]InAppNotification, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}
