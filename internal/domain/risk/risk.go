// Package risk records classified risk-keyword events for subjects and
// aggregates them for statistics, escalation and trend analysis.
package risk

import (
	"context"
	"time"
	"unicode/utf8"
)

// Level is the severity of a risk event
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Valid reports whether l is one of the three known levels
func (l Level) Valid() bool {
	switch l {
	case LevelHigh, LevelMedium, LevelLow:
		return true
	}
	return false
}

// MaxSnippetLength bounds the stored snippet, in characters
const MaxSnippetLength = 1000

// Score maps a level to its fixed severity score
func Score(l Level) int {
	switch l {
	case LevelHigh:
		return 80
	case LevelMedium:
		return 50
	case LevelLow:
		return 20
	default:
		return 0
	}
}

// Log is an immutable risk event. NotifiedAt is the only field set after
// creation and only once.
type Log struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subject_id"`
	SessionID  string     `json:"session_id,omitempty"`
	Level      Level      `json:"level"`
	Keywords   []string   `json:"keywords"`
	Snippet    string     `json:"snippet"`
	Score      int        `json:"score"`
	CreatedAt  time.Time  `json:"created_at"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

// Entry is the input to LogRisk
type Entry struct {
	SubjectID string   `json:"subject_id" validate:"required"`
	SessionID string   `json:"session_id,omitempty"`
	Level     Level    `json:"level" validate:"required,oneof=high medium low"`
	Keywords  []string `json:"keywords"`
	Snippet   string   `json:"snippet"`
}

// Stats is the per-subject aggregate over a window
type Stats struct {
	SubjectID  string `json:"subject_id"`
	WindowDays int    `json:"window_days"`
	Total      int    `json:"total"`
	High       int    `json:"high"`
	Medium     int    `json:"medium"`
	Low        int    `json:"low"`
	Recent     []Log  `json:"recent"`
}

// RecentStatsLimit is how many logs GetRiskStats returns
const RecentStatsLimit = 10

// Query selects risk logs. Zero values mean no filter.
type Query struct {
	SubjectID   string
	Level       Level
	Since       time.Time
	OnlyPending bool // NotifiedAt unset
	Limit       int
}

// Store persists risk logs. List returns newest first.
type Store interface {
	Insert(ctx context.Context, l *Log) error
	Get(ctx context.Context, id string) (*Log, error)
	List(ctx context.Context, q Query) ([]Log, error)
	// MarkNotified sets NotifiedAt if unset and drops any dispatch claim.
	// It reports whether this call set it.
	MarkNotified(ctx context.Context, id string, at time.Time) (bool, error)
	// ClaimNotify leases an unnotified log for dispatch until until. It
	// reports false when the log is notified or another lease is live at now.
	ClaimNotify(ctx context.Context, id string, now, until time.Time) (bool, error)
	// ReleaseNotify drops the dispatch lease
	ReleaseNotify(ctx context.Context, id string) error
}

// Truncate cuts s to at most n characters without splitting a rune
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
