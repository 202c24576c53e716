package notes

import "strings"

// ChangeType marks a diff line
type ChangeType string

const (
	ChangeRemoved ChangeType = "removed"
	ChangeAdded   ChangeType = "added"
)

// Change is one removed or added line. Line is the zero-based index the
// comparison was made at.
type Change struct {
	Type ChangeType `json:"type"`
	Line int        `json:"line"`
	Text string     `json:"text"`
}

// SectionDiff is the result for one section
type SectionDiff struct {
	Section string   `json:"section"`
	Changed bool     `json:"changed"`
	Changes []Change `json:"changes"`
}

// VersionDiff compares two versions of one subject's note
type VersionDiff struct {
	SubjectID string        `json:"subject_id"`
	From      int           `json:"from"`
	To        int           `json:"to"`
	Sections  []SectionDiff `json:"sections"`
}

// Changed reports whether any section differs
func (d VersionDiff) Changed() bool {
	for _, s := range d.Sections {
		if s.Changed {
			return true
		}
	}
	return false
}

// Diff compares every section of a and b
func Diff(a, b Version) VersionDiff {
	out := VersionDiff{SubjectID: b.SubjectID, From: a.Number, To: b.Number}
	as, bs := a.Sections.byName(), b.Sections.byName()
	for i := range as {
		out.Sections = append(out.Sections, DiffSection(as[i][0], as[i][1], bs[i][1]))
	}
	return out
}

// DiffSection compares two texts line by line at equal indices. It has no
// notion of moved lines: a line shifted down by an insertion shows as
// removed and re-added.
func DiffSection(name, oldText, newText string) SectionDiff {
	d := SectionDiff{Section: name, Changes: []Change{}}
	if oldText == newText {
		return d
	}

	oldLines, newLines := splitLines(oldText), splitLines(newText)
	n := max(len(oldLines), len(newLines))
	for i := 0; i < n; i++ {
		var o, nw *string
		if i < len(oldLines) {
			o = &oldLines[i]
		}
		if i < len(newLines) {
			nw = &newLines[i]
		}
		if o != nil && nw != nil && *o == *nw {
			continue
		}
		if o != nil {
			d.Changes = append(d.Changes, Change{Type: ChangeRemoved, Line: i, Text: *o})
		}
		if nw != nil {
			d.Changes = append(d.Changes, Change{Type: ChangeAdded, Line: i, Text: *nw})
		}
	}
	d.Changed = len(d.Changes) > 0
	return d
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
