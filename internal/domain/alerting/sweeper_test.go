package alerting

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/risk"
)

func seedRisks(t *testing.T, svc *risk.Service, levels ...risk.Level) {
	t.Helper()
	for i, lvl := range levels {
		_, err := svc.LogRisk(context.Background(), risk.Entry{
			SubjectID: []string{"client-1", "client-2"}[i%2],
			Level:     lvl,
			Keywords:  []string{"hopeless"},
		})
		require.NoError(t, err)
	}
}

func TestSweep_DoesNotRenotifyOverlappingWindows(t *testing.T) {
	ctx := context.Background()
	riskSvc := risk.NewService(risk.NewMemoryStore(), nil)
	seedRisks(t, riskSvc, risk.LevelHigh, risk.LevelHigh, risk.LevelMedium)

	s := newSenders()
	d := NewDispatcher(s.wire(), owners, nil)
	prefs := StaticPreferences{Default: AllChannels("a@example.com", "+15550100")}
	sweeper := NewSweeper(riskSvc, d, prefs, DefaultSweepConfig(), nil, nil)

	res, err := sweeper.CheckAndNotifyHighRisks(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Notified: 2}, res)

	res, err = sweeper.CheckAndNotifyHighRisks(ctx, 48)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	s.email.AssertNumberOfCalls(t, "SendEmail", 2)
	s.sms.AssertNumberOfCalls(t, "SendSMS", 2)
	s.inApp.AssertNumberOfCalls(t, "SendInApp", 2)

	high, err := riskSvc.GetHighRiskLogs(ctx, 24)
	require.NoError(t, err)
	for _, l := range high {
		assert.NotNil(t, l.NotifiedAt)
	}
}

func TestSweep_UndeliveredLogsStayPending(t *testing.T) {
	ctx := context.Background()
	riskSvc := risk.NewService(risk.NewMemoryStore(), nil)
	seedRisks(t, riskSvc, risk.LevelHigh)

	email := &mockEmail{}
	email.On("SendEmail", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()
	email.On("SendEmail", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher(Senders{Email: email}, owners, nil)
	prefs := StaticPreferences{Default: Preferences{Email: true, EmailAddress: "a@example.com"}}
	sweeper := NewSweeper(riskSvc, d, prefs, DefaultSweepConfig(), nil, nil)

	res, err := sweeper.CheckAndNotifyHighRisks(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Failed: 1}, res)

	res, err = sweeper.CheckAndNotifyHighRisks(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Notified: 1}, res)
	email.AssertNumberOfCalls(t, "SendEmail", 2)
}

func TestSweep_StorageFailurePropagates(t *testing.T) {
	d := NewDispatcher(newSenders().wire(), owners, nil)
	sweeper := NewSweeper(brokenSource{}, d, StaticPreferences{}, DefaultSweepConfig(), nil, nil)

	_, err := sweeper.CheckAndNotifyHighRisks(context.Background(), 24)
	require.Error(t, err)
	assert.True(t, apperror.IsUnavailable(err))
}

func TestSweep_InvalidWindow(t *testing.T) {
	riskSvc := risk.NewService(risk.NewMemoryStore(), nil)
	sweeper := NewSweeper(riskSvc, NewDispatcher(Senders{}, nil, nil), StaticPreferences{}, DefaultSweepConfig(), nil, nil)

	_, err := sweeper.CheckAndNotifyHighRisks(context.Background(), 0)
	assert.True(t, apperror.IsValidation(err))
}

func TestSweeper_StartStop(t *testing.T) {
	riskSvc := risk.NewService(risk.NewMemoryStore(), nil)
	seedRisks(t, riskSvc, risk.LevelHigh)

	s := newSenders()
	d := NewDispatcher(s.wire(), owners, nil)
	prefs := StaticPreferences{Default: AllChannels("a@example.com", "+15550100")}
	sweeper := NewSweeper(riskSvc, d, prefs, SweepConfig{Interval: 10 * time.Millisecond, WindowHours: 1}, nil, nil)

	sweeper.Start(context.Background())
	sweeper.Start(context.Background())

	assert.Eventually(t, func() bool {
		pending, err := riskSvc.PendingHighRiskLogs(context.Background(), 1)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop()
	s.email.AssertNumberOfCalls(t, "SendEmail", 1)
}

func TestSweep_SkipsLogBeingDispatchedByHook(t *testing.T) {
	ctx := context.Background()
	riskSvc := risk.NewService(risk.NewMemoryStore(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	email := &blockingEmail{entered: entered, release: release}
	d := NewDispatcher(Senders{Email: email}, owners, nil)
	prefs := StaticPreferences{Default: Preferences{Email: true, EmailAddress: "a@example.com"}}
	riskSvc.SetHook(d.Hook(prefs, riskSvc))
	sweeper := NewSweeper(riskSvc, d, prefs, DefaultSweepConfig(), nil, nil)

	logged := make(chan error, 1)
	go func() {
		_, err := riskSvc.LogRisk(ctx, risk.Entry{SubjectID: "client-1", Level: risk.LevelHigh})
		logged <- err
	}()
	<-entered

	res, err := sweeper.CheckAndNotifyHighRisks(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Claimed: 1}, res)

	close(release)
	require.NoError(t, <-logged)
	assert.Equal(t, int32(1), email.calls.Load())

	pending, err := riskSvc.PendingHighRiskLogs(ctx, 24)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// blockingEmail holds its first send until release is closed
type blockingEmail struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingEmail) SendEmail(ctx context.Context, _, _, _ string) error {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
	return nil
}

type brokenSource struct{}

func (brokenSource) PendingHighRiskLogs(context.Context, int) ([]risk.Log, error) {
	return nil, apperror.Unavailable("list risk logs", errors.New("connection refused"))
}

func (brokenSource) ClaimNotify(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
func (brokenSource) ReleaseNotify(context.Context, string) error        { return nil }
func (brokenSource) MarkNotified(context.Context, string) (bool, error) { return false, nil }
