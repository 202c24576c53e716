package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/erx"
	"github.com/carepath/clinsafe/internal/domain/notes"
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/events"
)

// testPool connects to TEST_DATABASE_URL and migrates it. Tests are skipped
// without a database.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(url, nil))

	pool, err := Connect(context.Background(), url, 10)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRiskStore(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewRiskStore(pool)
	subject := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, lvl := range []risk.Level{risk.LevelHigh, risk.LevelLow, risk.LevelHigh} {
		require.NoError(t, store.Insert(ctx, &risk.Log{
			ID:        uuid.NewString(),
			SubjectID: subject,
			Level:     lvl,
			Keywords:  []string{"k"},
			Score:     risk.Score(lvl),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := store.List(ctx, risk.Query{SubjectID: subject})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))

	pending, err := store.List(ctx, risk.Query{SubjectID: subject, Level: risk.LevelHigh, OnlyPending: true})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	ok, err := store.MarkNotified(ctx, pending[0].ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkNotified(ctx, pending[0].ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.MarkNotified(ctx, uuid.NewString(), now)
	assert.True(t, apperror.IsNotFound(err))

	var outboxed int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1 AND kafka_topic = $2`, subject, events.TopicRiskEvents,
	).Scan(&outboxed))
	assert.Equal(t, 3, outboxed)
}

func TestRiskStore_ClaimNotifyIsExclusive(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewRiskStore(pool)
	now := time.Now().UTC()

	l := &risk.Log{ID: uuid.NewString(), SubjectID: uuid.NewString(), Level: risk.LevelHigh,
		Keywords: []string{}, Score: 80, CreatedAt: now}
	require.NoError(t, store.Insert(ctx, l))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimNotify(ctx, l.ID, now, now.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	ok, err := store.ClaimNotify(ctx, l.ID, now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease")

	marked, err := store.MarkNotified(ctx, l.ID, now)
	require.NoError(t, err)
	assert.True(t, marked)
	ok, err = store.ClaimNotify(ctx, l.ID, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.ClaimNotify(ctx, uuid.NewString(), now, now)
	assert.True(t, apperror.IsNotFound(err))
}

func TestNotesStore_ConcurrentAppends(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewNotesStore(pool)
	subject := uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Append(ctx, &notes.Version{
				ID:        uuid.NewString(),
				SubjectID: subject,
				Sections:  notes.Sections{Assessment: "stable"},
				CreatedAt: time.Now().UTC(),
			}))
		}()
	}
	wg.Wait()

	versions, err := store.List(ctx, subject, time.Time{})
	require.NoError(t, err)
	require.Len(t, versions, 20)
	for i, v := range versions {
		assert.Equal(t, 20-i, v.Number)
	}

	_, err = store.Get(ctx, subject, 21)
	assert.True(t, apperror.IsNotFound(err))
}

func TestErxStore_OptimisticUpdate(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewErxStore(pool)

	rec := &erx.Record{
		ID:             uuid.NewString(),
		PrescriptionID: uuid.NewString(),
		Status:         erx.StatusPending,
		CreatedAt:      time.Now().UTC(),
		Transitions:    []erx.Transition{{To: erx.StatusPending, At: time.Now().UTC()}},
	}
	require.NoError(t, store.Create(ctx, rec))

	a, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	b, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)

	a.Status = erx.StatusFailed
	a.AttemptCount = 1
	require.NoError(t, store.Update(ctx, a))

	b.Status = erx.StatusSent
	assert.True(t, apperror.IsConflict(store.Update(ctx, b)))
	assert.True(t, apperror.IsConflict(store.Claim(ctx, b, time.Now().Add(time.Minute))), "stale claim")

	until := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
	require.NoError(t, store.Claim(ctx, a, until))
	claimed, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedUntil)
	assert.True(t, until.Equal(*claimed.ClaimedUntil))
	assert.Equal(t, a.Version, claimed.Version)

	failed, err := store.ListByStatus(ctx, erx.StatusFailed, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(failed))
	for _, r := range failed {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, rec.ID)
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent map[string]int
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[topic]++
	return nil
}

func TestOutbox_RelayBatch(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, NewRiskStore(pool).Insert(ctx, &risk.Log{
		ID:        uuid.NewString(),
		SubjectID: uuid.NewString(),
		Level:     risk.LevelHigh,
		Score:     80,
		CreatedAt: time.Now().UTC(),
	}))

	pub := &recordingPublisher{sent: map[string]int{}}
	cfg := DefaultOutboxConfig()
	cfg.BatchSize = 1000
	relay := NewOutbox(pool, pub, cfg, nil, nil)

	n, err := relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.GreaterOrEqual(t, pub.sent[events.TopicRiskEvents], 1)

	st, err := relay.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Pending, int64(0))
}
