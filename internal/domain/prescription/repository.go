package prescription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/apperror"
)

// Repository persists aggregates as event streams
type Repository interface {
	// Save appends uncommitted events. It returns apperror.ErrConflict when
	// another writer appended to the stream first.
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
}

// PgRepository is the Postgres event store
type PgRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgRepository creates a Postgres event store
func NewPgRepository(pool *pgxpool.Pool, logger *zap.Logger) *PgRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgRepository{pool: pool, logger: logger}
}

func (r *PgRepository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperror.Unavailable("begin prescription tx", err)
	}
	defer tx.Rollback(ctx)

	base := agg.Version() - len(changes)
	for i, e := range changes {
		e.Version = base + i + 1
		if err := insertEvent(ctx, tx, e); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("prescription %s version %d: %w", agg.ID(), e.Version, apperror.ErrConflict)
			}
			return apperror.Unavailable("insert prescription event", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.Unavailable("commit prescription events", err)
	}

	agg.ClearChanges()
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	const q = `
		INSERT INTO prescription_events
		(id, aggregate_id, event_type, event_data, version, timestamp, patient_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.Exec(ctx, q,
		e.ID, e.AggregateID, e.EventType, e.EventData, e.Version, e.Timestamp, e.PatientID, e.CorrelationID)
	return err
}

func (r *PgRepository) Load(ctx context.Context, id string) (*Aggregate, error) {
	const q = `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp, patient_id, correlation_id
		FROM prescription_events
		WHERE aggregate_id = $1
		ORDER BY version ASC`

	rows, err := r.pool.Query(ctx, q, id)
	if err != nil {
		return nil, apperror.Unavailable("query prescription events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: "Prescription"}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.PatientID, &e.CorrelationID); err != nil {
			return nil, apperror.Unavailable("scan prescription event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Unavailable("read prescription events", err)
	}
	if len(events) == 0 {
		return nil, apperror.NotFound("prescription", id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, fmt.Errorf("replay prescription %s: %w", id, err)
	}
	return agg, nil
}

// MemoryRepository keeps event streams in process
type MemoryRepository struct {
	mu      sync.RWMutex
	streams map[string][]*Event
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{streams: make(map[string][]*Event)}
}

func (r *MemoryRepository) Save(_ context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base := agg.Version() - len(changes)
	if len(r.streams[agg.ID()]) != base {
		return fmt.Errorf("prescription %s: %w", agg.ID(), apperror.ErrConflict)
	}
	for i, e := range changes {
		cp := *e
		cp.Version = base + i + 1
		r.streams[agg.ID()] = append(r.streams[agg.ID()], &cp)
	}
	agg.ClearChanges()
	return nil
}

func (r *MemoryRepository) Load(_ context.Context, id string) (*Aggregate, error) {
	r.mu.RLock()
	events := append([]*Event(nil), r.streams[id]...)
	r.mu.RUnlock()

	if len(events) == 0 {
		return nil, apperror.NotFound("prescription", id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}
