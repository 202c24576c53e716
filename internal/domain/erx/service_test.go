package erx

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/prescription"
	"github.com/carepath/clinsafe/internal/domain/safety"
	"github.com/carepath/clinsafe/pkg/circuitbreaker"
)

// scriptedTransmitter returns outcomes in order, then repeats the last one
type scriptedTransmitter struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (t *scriptedTransmitter) Transmit(context.Context, Record) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := min(t.calls, len(t.results)-1)
	t.calls++
	if t.results[i] {
		return Result{Sent: true, ConfirmationCode: "RX-TEST", Code: CodeAccepted}
	}
	return Result{Code: CodeUnavailable, Message: "no ack"}
}

type fixture struct {
	svc           *Service
	prescriptions *prescription.Service
	rxID          string
}

func newFixture(t *testing.T, tx Transmitter, opts ...Option) *fixture {
	t.Helper()
	rx := prescription.NewService(prescription.NewMemoryRepository(), safety.NewEvaluator(safety.DefaultTables()), nil, nil, nil)
	p, err := rx.Create(context.Background(), safety.Draft{
		PatientID: "patient-1",
		Items:     []safety.DraftItem{{DrugName: "sertraline"}},
	}, nil, false)
	require.NoError(t, err)

	return &fixture{
		svc:           NewService(NewMemoryStore(), rx, tx, nil, opts...),
		prescriptions: rx,
		rxID:          p.ID,
	}
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{true}})
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, f.rxID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, "RX-TEST", rec.ConfirmationCode)
	require.NotNil(t, rec.LastAttemptAt)
	require.Len(t, rec.Transitions, 2)
	assert.Equal(t, StatusPending, rec.Transitions[0].To)
	assert.Equal(t, StatusSent, rec.Transitions[1].To)

	p, err := f.prescriptions.Get(ctx, f.rxID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusTransmitted, p.Status)
}

func TestSubmit_FailureIsData(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{false}})

	rec, err := f.svc.Submit(context.Background(), f.rxID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, CodeUnavailable, rec.PharmacyResponseCode)
	assert.Equal(t, 1, rec.AttemptCount)

	failed, err := f.svc.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, rec.ID, failed[0].ID)
}

func TestSubmit_UnknownPrescription(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{true}})
	_, err := f.svc.Submit(context.Background(), "missing")
	assert.True(t, apperror.IsNotFound(err))
}

func TestRetry_NeverReturnsToPending(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7+1))
		f := newFixture(t, NewBernoulliTransmitter(0.5, rng))
		ctx := context.Background()

		rec, err := f.svc.Submit(ctx, f.rxID)
		require.NoError(t, err)
		assert.NotEqual(t, StatusPending, rec.Status)

		attempts := rec.AttemptCount
		for rec.Status == StatusFailed && attempts < 20 {
			rec, err = f.svc.Retry(ctx, rec.ID)
			require.NoError(t, err)
			assert.Contains(t, []Status{StatusSent, StatusFailed}, rec.Status)
			assert.Equal(t, attempts+1, rec.AttemptCount, "attempt count increases on every retry")
			attempts = rec.AttemptCount
		}
	}
}

func TestRetry_SentIsRejected(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{true}})
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, f.rxID)
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, rec.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, apperror.IsValidation(err))

	got, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestRetry_UnknownRecord(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{true}})
	_, err := f.svc.Retry(context.Background(), "missing")
	assert.True(t, apperror.IsNotFound(err))
}

func TestRetry_FailedThenSent(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{false, false, true}})
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, f.rxID)
	require.NoError(t, err)
	first := *rec.LastAttemptAt

	rec, err = f.svc.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.False(t, rec.LastAttemptAt.Before(first))

	rec, err = f.svc.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Len(t, rec.Transitions, 4)
}

func TestRetry_PolicyLimit(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{false}}, WithRetryPolicy(RetryPolicy{MaxAttempts: 2}))
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, f.rxID)
	require.NoError(t, err)
	rec, err = f.svc.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AttemptCount)

	_, err = f.svc.Retry(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrRetryLimitReached)
	assert.True(t, apperror.IsValidation(err))
}

func TestRetry_ConcurrentCallersLinearized(t *testing.T) {
	tx := &scriptedTransmitter{results: []bool{false, true}}
	f := newFixture(t, tx)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, f.rxID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)

	var sent, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.svc.Retry(ctx, rec.ID)
			switch {
			case err == nil && r.Status == StatusSent:
				sent.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), sent.Load())
	assert.Equal(t, int32(9), rejected.Load())
	assert.Equal(t, 2, tx.calls)
}

// gatedTransmitter fails the first call and holds the second until release
// is closed
type gatedTransmitter struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedTransmitter) Transmit(context.Context, Record) Result {
	switch g.calls.Add(1) {
	case 1:
		return Result{Code: CodeUnavailable}
	case 2:
		close(g.entered)
		<-g.release
	}
	return Result{Sent: true, ConfirmationCode: "RX-GATED", Code: CodeAccepted}
}

func TestRetry_ReplicasSharingAStoreTransmitOnce(t *testing.T) {
	tx := &gatedTransmitter{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, tx)
	replica := NewService(f.svc.store, f.prescriptions, tx, nil)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, f.rxID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)

	done := make(chan *Record, 1)
	go func() {
		r, err := f.svc.Retry(ctx, rec.ID)
		assert.NoError(t, err)
		done <- r
	}()
	<-tx.entered

	_, err = replica.Retry(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))

	close(tx.release)
	sent := <-done
	require.NotNil(t, sent)
	assert.Equal(t, StatusSent, sent.Status)
	assert.Equal(t, "RX-GATED", sent.ConfirmationCode)
	assert.Equal(t, int32(2), tx.calls.Load())

	got, err := replica.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestSubmit_AlreadyTransmittedIsRejected(t *testing.T) {
	tx := &scriptedTransmitter{results: []bool{true}}
	f := newFixture(t, tx)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.rxID)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, f.rxID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyTransmitted)
	assert.True(t, apperror.IsValidation(err))
	assert.Equal(t, 1, tx.calls)

	subs, err := f.svc.ListByPrescription(ctx, f.rxID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

// flakyUpdateStore fails the next n outcome writes
type flakyUpdateStore struct {
	*MemoryStore
	n int
}

func (s *flakyUpdateStore) Update(ctx context.Context, r *Record) error {
	if s.n > 0 {
		s.n--
		return apperror.Unavailable("update submission", errors.New("connection reset"))
	}
	return s.MemoryStore.Update(ctx, r)
}

func TestRetry_StalledPendingAfterLeaseExpires(t *testing.T) {
	f := newFixture(t, &scriptedTransmitter{results: []bool{true}})
	store := &flakyUpdateStore{MemoryStore: NewMemoryStore(), n: 1}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, f.prescriptions, &scriptedTransmitter{results: []bool{false, true}}, nil,
		WithClock(func() time.Time { return clock }), WithAttemptLease(time.Minute))
	ctx := context.Background()

	_, err := svc.Submit(ctx, f.rxID)
	require.Error(t, err)
	assert.True(t, apperror.IsUnavailable(err))

	subs, err := svc.ListByPrescription(ctx, f.rxID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	stalled := subs[0]
	assert.Equal(t, StatusPending, stalled.Status)

	_, err = svc.Submit(ctx, f.rxID)
	assert.True(t, apperror.IsConflict(err), "a second submission waits for the lease")
	_, err = svc.Retry(ctx, stalled.ID)
	assert.True(t, apperror.IsConflict(err), "the lease is still live")

	clock = clock.Add(2 * time.Minute)
	rec, err := svc.Retry(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Nil(t, rec.ClaimedUntil)
}

func TestBreakerTransmitter_OpenCircuitIsFailedAttempt(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("pharmacy-gateway")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	b, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	inner := &scriptedTransmitter{results: []bool{false}}
	tx := NewBreakerTransmitter(inner, b)

	assert.Equal(t, CodeUnavailable, tx.Transmit(context.Background(), Record{}).Code)
	assert.Equal(t, CodeUnavailable, tx.Transmit(context.Background(), Record{}).Code)

	res := tx.Transmit(context.Background(), Record{})
	assert.False(t, res.Sent)
	assert.Equal(t, CodeCircuitOpen, res.Code)
	assert.Equal(t, 2, inner.calls)
}

func TestBernoulliTransmitter_Rate(t *testing.T) {
	tx := NewBernoulliTransmitter(DefaultSuccessProbability, rand.New(rand.NewPCG(1, 2)))

	sent := 0
	const n = 5000
	for i := 0; i < n; i++ {
		if tx.Transmit(context.Background(), Record{}).Sent {
			sent++
		}
	}
	assert.InDelta(t, 0.9, float64(sent)/n, 0.03)
}

func TestMemoryStore_StaleUpdateConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Record{ID: "r1", Status: StatusPending}))
	a, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	b, err := s.Get(ctx, "r1")
	require.NoError(t, err)

	a.Status = StatusFailed
	require.NoError(t, s.Update(ctx, a))

	b.Status = StatusSent
	assert.True(t, apperror.IsConflict(s.Update(ctx, b)))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StatusPending, StatusSent))
	assert.True(t, canTransition(StatusPending, StatusFailed))
	assert.True(t, canTransition(StatusFailed, StatusSent))
	assert.True(t, canTransition(StatusFailed, StatusFailed))
	assert.False(t, canTransition(StatusSent, StatusFailed))
	assert.False(t, canTransition(StatusSent, StatusSent))
	assert.False(t, canTransition(StatusFailed, StatusPending))
}
