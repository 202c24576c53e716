// Package notes stores successive versions of structured session notes,
// diffs them and estimates a subject's progress over time.
package notes

import (
	"context"
	"strings"
	"time"
)

// Sections is the SOAP body of a note
type Sections struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// Empty reports whether every section is blank
func (s Sections) Empty() bool {
	return strings.TrimSpace(s.Subjective+s.Objective+s.Assessment+s.Plan) == ""
}

// Section names in display order
const (
	SectionSubjective = "subjective"
	SectionObjective  = "objective"
	SectionAssessment = "assessment"
	SectionPlan       = "plan"
)

func (s Sections) byName() [4][2]string {
	return [4][2]string{
		{SectionSubjective, s.Subjective},
		{SectionObjective, s.Objective},
		{SectionAssessment, s.Assessment},
		{SectionPlan, s.Plan},
	}
}

// Version is one immutable revision of a subject's note
type Version struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	SessionID string    `json:"session_id,omitempty"`
	Number    int       `json:"version"`
	Sections  Sections  `json:"sections"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Draft is the input to SaveVersion
type Draft struct {
	SubjectID string   `json:"subject_id" validate:"required"`
	SessionID string   `json:"session_id,omitempty"`
	Sections  Sections `json:"sections"`
	Notes     string   `json:"notes,omitempty"`
}

// Store persists note versions
type Store interface {
	// Append assigns the next version number for the subject and stores v.
	// Number assignment must be atomic per subject.
	Append(ctx context.Context, v *Version) error
	// List returns the subject's versions newest first, created at or after
	// since when since is non-zero.
	List(ctx context.Context, subjectID string, since time.Time) ([]Version, error)
	Get(ctx context.Context, subjectID string, number int) (*Version, error)
}
