package prescription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/safety"
)

func dose(v float64) *float64 { return &v }

func newTestService(allergies StaticAllergies) (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewService(repo, safety.NewEvaluator(safety.DefaultTables()), allergies, nil, nil), repo
}

func TestEvaluate_UsesRecordedAllergies(t *testing.T) {
	svc, _ := newTestService(StaticAllergies{"p1": {"SSRI"}})

	ev, err := svc.Evaluate(context.Background(), safety.Draft{
		PatientID: "p1",
		Items:     []safety.DraftItem{{DrugName: "Sertraline", DoseAmount: dose(50)}},
	}, nil)
	require.NoError(t, err)

	require.Len(t, ev.Findings, 1)
	assert.Equal(t, safety.KindAllergy, ev.Findings[0].Kind)
	assert.True(t, ev.RequiresConfirmation)
}

func TestEvaluate_InvalidDraft(t *testing.T) {
	svc, _ := newTestService(nil)
	_, err := svc.Evaluate(context.Background(), safety.Draft{PatientID: "p1"}, nil)
	assert.True(t, apperror.IsValidation(err))
}

func TestCreate_DangerRequiresConfirmation(t *testing.T) {
	svc, _ := newTestService(nil)
	draft := safety.Draft{
		PatientID: "p1",
		Items:     []safety.DraftItem{{DrugName: "lithium", DoseAmount: dose(2400)}},
	}

	_, err := svc.Create(context.Background(), draft, nil, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfirmationRequired))
	assert.True(t, apperror.IsValidation(err))

	var cre *ConfirmationRequiredError
	require.ErrorAs(t, err, &cre)
	assert.Len(t, cre.Findings, 1)

	p, err := svc.Create(context.Background(), draft, nil, true)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, safety.LevelDanger, p.RiskLevel)
	assert.True(t, p.Confirmed)
}

func TestCreate_SafeDraftNeedsNoConfirmation(t *testing.T) {
	svc, _ := newTestService(nil)

	p, err := svc.Create(context.Background(), safety.Draft{
		PatientID: "p1",
		Items:     []safety.DraftItem{{DrugName: "sertraline", DoseAmount: dose(50), FrequencyCode: "QD"}},
	}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, safety.LevelOK, p.RiskLevel)
	assert.False(t, p.Confirmed)

	got, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, 1, got.Version)
}

func TestRecordTransmission(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	p, err := svc.Create(ctx, safety.Draft{PatientID: "p1", Items: []safety.DraftItem{{DrugName: "sertraline"}}}, nil, false)
	require.NoError(t, err)

	require.NoError(t, svc.RecordTransmission(ctx, p.ID, TransmissionOutcome{SubmissionID: "s1", ResponseCode: "TIMEOUT", At: time.Now()}))
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTransmissionFailed, got.Status)

	require.NoError(t, svc.RecordTransmission(ctx, p.ID, TransmissionOutcome{SubmissionID: "s1", Sent: true, ConfirmationCode: "RX-1", At: time.Now()}))
	got, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTransmitted, got.Status)
	assert.Equal(t, "RX-1", got.ConfirmationCode)
	assert.Equal(t, 3, got.Version)

	err = svc.RecordTransmission(ctx, p.ID, TransmissionOutcome{Sent: true})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordTransmission_NotFound(t *testing.T) {
	svc, _ := newTestService(nil)
	err := svc.RecordTransmission(context.Background(), "missing", TransmissionOutcome{Sent: true})
	assert.True(t, apperror.IsNotFound(err))
}

func TestMemoryRepository_DetectsConcurrentAppend(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	agg := NewAggregate("rx-1")
	require.NoError(t, agg.Create(&CreatedData{PatientID: "p1", RiskLevel: safety.LevelOK}))
	require.NoError(t, repo.Save(ctx, agg))

	a, err := repo.Load(ctx, "rx-1")
	require.NoError(t, err)
	b, err := repo.Load(ctx, "rx-1")
	require.NoError(t, err)

	require.NoError(t, a.MarkTransmissionFailed("s1", "E", "m", time.Now()))
	require.NoError(t, repo.Save(ctx, a))

	require.NoError(t, b.MarkTransmitted("s1", "C", time.Now()))
	assert.True(t, apperror.IsConflict(repo.Save(ctx, b)))
}
