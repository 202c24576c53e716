package risk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/apperror"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore, *fixedClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return NewService(store, nil, opts...), store, clock
}

func TestScore(t *testing.T) {
	assert.Equal(t, 80, Score(LevelHigh))
	assert.Equal(t, 50, Score(LevelMedium))
	assert.Equal(t, 20, Score(LevelLow))
	assert.Equal(t, 0, Score("unknown"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "héé", Truncate("héééé", 3))
	assert.Equal(t, 1000, len([]rune(Truncate(strings.Repeat("ü", 1500), MaxSnippetLength))))
}

func TestLogRisk(t *testing.T) {
	var hooked []Log
	svc, _, _ := newTestService(t, WithHook(func(_ context.Context, l Log) error {
		hooked = append(hooked, l)
		return nil
	}))

	l, err := svc.LogRisk(context.Background(), Entry{
		SubjectID: "client-1",
		Level:     LevelHigh,
		Keywords:  []string{"suicide"},
		Snippet:   strings.Repeat("x", 1200),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, l.ID)
	assert.Equal(t, 80, l.Score)
	assert.Len(t, l.Snippet, MaxSnippetLength)
	assert.Nil(t, l.NotifiedAt)
	require.Len(t, hooked, 1)
	assert.Equal(t, l.ID, hooked[0].ID)
}

func TestLogRisk_HookFailureIsSwallowed(t *testing.T) {
	svc, store, _ := newTestService(t, WithHook(func(context.Context, Log) error {
		return errors.New("smtp down")
	}))

	l, err := svc.LogRisk(context.Background(), Entry{SubjectID: "c", Level: LevelMedium})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), l.ID)
	assert.NoError(t, err)
}

func TestLogRisk_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.LogRisk(context.Background(), Entry{Level: LevelHigh})
	assert.True(t, apperror.IsValidation(err))

	_, err = svc.LogRisk(context.Background(), Entry{SubjectID: "c", Level: "severe"})
	assert.True(t, apperror.IsValidation(err))
}

type failingStore struct{ MemoryStore }

func (failingStore) Insert(context.Context, *Log) error {
	return apperror.Unavailable("insert risk log", errors.New("connection refused"))
}

func TestLogRisk_StorageUnavailablePropagates(t *testing.T) {
	hookCalled := false
	svc := NewService(&failingStore{}, nil, WithHook(func(context.Context, Log) error {
		hookCalled = true
		return nil
	}))

	_, err := svc.LogRisk(context.Background(), Entry{SubjectID: "c", Level: LevelHigh})
	assert.True(t, apperror.IsUnavailable(err))
	assert.False(t, hookCalled)
}

func TestGetRiskStats_CountsSumToTotal(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	start := clock.t

	levels := []Level{LevelHigh, LevelMedium, LevelLow}
	for i := 0; i < 25; i++ {
		clock.t = start.Add(-time.Duration(i) * 36 * time.Hour)
		_, err := svc.LogRisk(ctx, Entry{SubjectID: "c1", Level: levels[i%3]})
		require.NoError(t, err)
	}
	_, err := svc.LogRisk(ctx, Entry{SubjectID: "other", Level: LevelHigh})
	require.NoError(t, err)
	clock.t = start

	for _, days := range []int{1, 7, 30, 365} {
		t.Run(fmt.Sprintf("%d_days", days), func(t *testing.T) {
			st, err := svc.GetRiskStats(ctx, "c1", days)
			require.NoError(t, err)
			assert.Equal(t, st.Total, st.High+st.Medium+st.Low)
			assert.LessOrEqual(t, len(st.Recent), RecentStatsLimit)
			for i := 1; i < len(st.Recent); i++ {
				assert.False(t, st.Recent[i].CreatedAt.After(st.Recent[i-1].CreatedAt))
			}
		})
	}

	st, err := svc.GetRiskStats(ctx, "c1", 365)
	require.NoError(t, err)
	assert.Equal(t, 25, st.Total)
	assert.Len(t, st.Recent, RecentStatsLimit)
}

func TestGetHighRiskLogs_CrossSubject(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	now := clock.t

	_, _ = svc.LogRisk(ctx, Entry{SubjectID: "a", Level: LevelHigh})
	_, _ = svc.LogRisk(ctx, Entry{SubjectID: "b", Level: LevelHigh})
	_, _ = svc.LogRisk(ctx, Entry{SubjectID: "c", Level: LevelMedium})
	clock.t = now.Add(-48 * time.Hour)
	_, _ = svc.LogRisk(ctx, Entry{SubjectID: "d", Level: LevelHigh})
	clock.t = now

	logs, err := svc.GetHighRiskLogs(ctx, 24)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	_, err = svc.GetHighRiskLogs(ctx, 0)
	assert.True(t, apperror.IsValidation(err))
}

func TestMarkNotified(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	l, err := svc.LogRisk(ctx, Entry{SubjectID: "a", Level: LevelHigh})
	require.NoError(t, err)

	pending, err := svc.PendingHighRiskLogs(ctx, 24)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	first, err := svc.MarkNotified(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := svc.MarkNotified(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, again)

	pending, err = svc.PendingHighRiskLogs(ctx, 24)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = svc.MarkNotified(ctx, "missing")
	assert.True(t, apperror.IsNotFound(err))
}

func TestClaimNotify(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	l, err := svc.LogRisk(ctx, Entry{SubjectID: "a", Level: LevelHigh})
	require.NoError(t, err)

	first, err := svc.ClaimNotify(ctx, l.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := svc.ClaimNotify(ctx, l.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, second, "a live lease blocks other dispatchers")

	clock.t = clock.t.Add(2 * time.Minute)
	expired, err := svc.ClaimNotify(ctx, l.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, expired, "an expired lease can be taken over")

	require.NoError(t, svc.ReleaseNotify(ctx, l.ID))
	released, err := svc.ClaimNotify(ctx, l.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = svc.MarkNotified(ctx, l.ID)
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseNotify(ctx, l.ID))
	afterMark, err := svc.ClaimNotify(ctx, l.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, afterMark, "notified logs cannot be claimed")

	_, err = svc.ClaimNotify(ctx, "missing", time.Minute)
	assert.True(t, apperror.IsNotFound(err))
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(DefaultLexicon())

	tests := []struct {
		text     string
		level    Level
		keywords []string
	}{
		{text: "I feel hopeless and have thought about Suicide", level: LevelHigh, keywords: []string{"suicide", "hopeless"}},
		{text: "Mostly tired and a bit stressed", level: LevelLow, keywords: []string{"stressed", "tired"}},
		{text: "Had a panic attack", level: LevelMedium, keywords: []string{"panic"}},
		{text: "Good week overall", level: "", keywords: []string{}},
	}

	for _, tt := range tests {
		res, err := c.Classify(context.Background(), tt.text)
		require.NoError(t, err)
		assert.Equal(t, tt.level, res.Level, tt.text)
		assert.Equal(t, tt.keywords, res.Keywords, tt.text)
	}
}

func TestClassifyAndLog(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := NewKeywordClassifier(DefaultLexicon())

	l, err := svc.ClassifyAndLog(context.Background(), c, "client-1", "session-9", "talked about an overdose")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, LevelHigh, l.Level)
	assert.Equal(t, "session-9", l.SessionID)

	l, err = svc.ClassifyAndLog(context.Background(), c, "client-1", "", "calm session")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestLoadLexicon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("high:\n  - crisis\nmedium:\n  - alone\n"), 0o600))

	lex, err := LoadLexicon(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"crisis"}, lex.High)

	res, err := NewKeywordClassifier(lex).Classify(context.Background(), "felt alone, close to crisis")
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, res.Level)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("low: []\n"), 0o600))
	_, err = LoadLexicon(empty)
	assert.Error(t, err)
}
