package notes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/risk"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), risk.NewService(risk.NewMemoryStore(), nil), nil)
}

func draft(subject, assessment string) Draft {
	return Draft{
		SubjectID: subject,
		Sections: Sections{
			Subjective: "Client reports on the week",
			Assessment: assessment,
			Plan:       "Continue weekly sessions",
		},
	}
}

func TestSaveVersion_GaplessPerSubject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, subject := range []string{"a", "b"} {
		for want := 1; want <= 4; want++ {
			v, err := svc.SaveVersion(ctx, draft(subject, "ok"))
			require.NoError(t, err)
			assert.Equal(t, want, v.Number)
		}
	}

	vs, err := svc.Versions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, vs, 4)
	for i, v := range vs {
		assert.Equal(t, 4-i, v.Number, "versions are newest first")
	}
}

func TestSaveVersion_ConcurrentWritersGetUniqueNumbers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const writers = 40
	numbers := make(chan int, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.SaveVersion(ctx, draft("shared", "ok"))
			if assert.NoError(t, err) {
				numbers <- v.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool)
	for n := range numbers {
		assert.False(t, seen[n], "duplicate version %d", n)
		seen[n] = true
	}
	for n := 1; n <= writers; n++ {
		assert.True(t, seen[n], "missing version %d", n)
	}
}

func TestSaveVersion_Validation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.SaveVersion(context.Background(), Draft{Sections: Sections{Plan: "x"}})
	assert.True(t, apperror.IsValidation(err))

	_, err = svc.SaveVersion(context.Background(), Draft{SubjectID: "a"})
	assert.True(t, apperror.IsValidation(err))
}

func TestDiffVersions_SameVersionHasNoChanges(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.SaveVersion(ctx, draft("a", "line one\nline two"))
	require.NoError(t, err)

	d, err := svc.DiffVersions(ctx, "a", 1, 1)
	require.NoError(t, err)
	assert.False(t, d.Changed())
	require.Len(t, d.Sections, 4)
	for _, s := range d.Sections {
		assert.False(t, s.Changed, s.Section)
		assert.Empty(t, s.Changes, s.Section)
	}
}

func TestDiffVersions_NotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.DiffVersions(context.Background(), "a", 1, 2)
	assert.True(t, apperror.IsNotFound(err))
}

func TestDiffSection(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		changes []Change
	}{
		{name: "identical", old: "a\nb", new: "a\nb", changes: []Change{}},
		{
			name: "edited_line",
			old:  "a\nb\nc",
			new:  "a\nB\nc",
			changes: []Change{
				{Type: ChangeRemoved, Line: 1, Text: "b"},
				{Type: ChangeAdded, Line: 1, Text: "B"},
			},
		},
		{
			name:    "appended_line",
			old:     "a",
			new:     "a\nb",
			changes: []Change{{Type: ChangeAdded, Line: 1, Text: "b"}},
		},
		{
			name:    "dropped_line",
			old:     "a\nb",
			new:     "a",
			changes: []Change{{Type: ChangeRemoved, Line: 1, Text: "b"}},
		},
		{
			name: "insertion_shifts_lines",
			old:  "a\nb",
			new:  "x\na\nb",
			changes: []Change{
				{Type: ChangeRemoved, Line: 0, Text: "a"},
				{Type: ChangeAdded, Line: 0, Text: "x"},
				{Type: ChangeRemoved, Line: 1, Text: "b"},
				{Type: ChangeAdded, Line: 1, Text: "a"},
				{Type: ChangeAdded, Line: 2, Text: "b"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DiffSection(SectionPlan, tt.old, tt.new)
			assert.Equal(t, tt.changes, d.Changes)
			assert.Equal(t, len(tt.changes) > 0, d.Changed)
		})
	}
}

func TestAnalyzeTrends_NoNotes(t *testing.T) {
	svc := newTestService(t)

	r, err := svc.AnalyzeTrends(context.Background(), "new-client", 3)
	require.NoError(t, err)
	assert.Equal(t, TrendStable, r.OverallTrend)
	assert.Equal(t, RiskStable, r.RiskTrend)
	assert.Equal(t, 50, r.ProgressScore)
	assert.Contains(t, r.KeyFindings, InsufficientDataFinding)
}

func TestAnalyzeTrends_Improving(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Oldest first: two neutral, five negative, then the five most recent positive.
	assessments := []string{
		"initial intake", "baseline",
		"mood worse, anxious", "depressed and anxious", "worsening sleep", "agitated, worse", "hopeless at times",
		"improved mood, hopeful", "better sleep, coping well", "engaged and calmer", "progress noted, stable", "anxiety reduced, improving",
	}
	for _, a := range assessments {
		_, err := svc.SaveVersion(ctx, draft("c1", a))
		require.NoError(t, err)
	}

	r, err := svc.AnalyzeTrends(ctx, "c1", 3)
	require.NoError(t, err)
	assert.Equal(t, 12, r.VersionCount)
	assert.Equal(t, TrendImproving, r.OverallTrend)
	assert.Equal(t, RiskStable, r.RiskTrend)
	// base 50 + 10 for many versions + 15 improving
	assert.Equal(t, 75, r.ProgressScore)
}

func TestAnalyzeTrends_RiskIncreasing(t *testing.T) {
	ctx := context.Background()
	clock := time.Now().Add(-time.Hour)
	riskSvc := risk.NewService(risk.NewMemoryStore(), nil, risk.WithClock(func() time.Time { return clock }))
	svc := NewService(NewMemoryStore(), riskSvc, nil)

	for i := 0; i < 3; i++ {
		_, err := svc.SaveVersion(ctx, draft("c2", "stable"))
		require.NoError(t, err)
	}

	// Older ten: all low. Newer ten: four high.
	for i := 0; i < 20; i++ {
		level := risk.LevelLow
		if i >= 16 {
			level = risk.LevelHigh
		}
		clock = clock.Add(time.Minute)
		_, err := riskSvc.LogRisk(ctx, risk.Entry{SubjectID: "c2", Level: level})
		require.NoError(t, err)
	}

	r, err := svc.AnalyzeTrends(ctx, "c2", 1)
	require.NoError(t, err)
	assert.Equal(t, RiskIncreasing, r.RiskTrend)
	assert.Equal(t, TrendStable, r.OverallTrend)
	// 4/20 high is above the elevated ratio: 50 - 10 - 10
	assert.Equal(t, 30, r.ProgressScore)
	assert.GreaterOrEqual(t, r.ProgressScore, 0)
	assert.LessOrEqual(t, r.ProgressScore, 100)
}

func TestProgressScoreIsClamped(t *testing.T) {
	cfg := DefaultTrendConfig()
	cfg.ImprovingDelta = 500
	a := newAnalyzer(cfg)

	versions := []Version{
		{Number: 2, Sections: Sections{Assessment: "improved"}},
		{Number: 1, Sections: Sections{Assessment: "worse"}},
	}
	r := a.report("c", 3, versions, nil)
	assert.Equal(t, TrendImproving, r.OverallTrend)
	assert.Equal(t, 100, r.ProgressScore)
}

func TestSentimentMatchesWholeWords(t *testing.T) {
	a := newAnalyzer(DefaultTrendConfig())
	assert.Equal(t, 0, a.sentiment("unstable"))
	assert.Equal(t, 1, a.sentiment("Stable."))
	assert.Equal(t, -1, a.sentiment("better but anxious and worse"))
}
