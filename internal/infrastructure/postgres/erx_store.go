package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/erx"
	"github.com/carepath/clinsafe/internal/events"
)

// ErxStore persists submission records with optimistic versioning. Each
// write publishes a SubmissionUpdated entry through the outbox.
type ErxStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewErxStore creates an ErxStore
func NewErxStore(pool *pgxpool.Pool) *ErxStore {
	return &ErxStore{pool: pool, now: time.Now}
}

const erxColumns = `id, prescription_id, status, confirmation_code, pharmacy_response_code,
	pharmacy_response_message, created_at, last_attempt_at, attempt_count, transitions, version, claimed_until`

func (s *ErxStore) Create(ctx context.Context, r *erx.Record) error {
	transitions, err := json.Marshal(r.Transitions)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}

	return s.inTx(ctx, r, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO erx_submissions (`+erxColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)`,
			r.ID, r.PrescriptionID, string(r.Status), r.ConfirmationCode, r.PharmacyResponseCode,
			r.PharmacyResponseMessage, r.CreatedAt, r.LastAttemptAt, r.AttemptCount, transitions, r.ClaimedUntil)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("submission %s: %w", r.ID, apperror.ErrConflict)
			}
			return apperror.Unavailable("insert submission", err)
		}
		r.Version = 1
		return nil
	})
}

func (s *ErxStore) Update(ctx context.Context, r *erx.Record) error {
	transitions, err := json.Marshal(r.Transitions)
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}

	return s.inTx(ctx, r, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE erx_submissions
			SET status = $1, confirmation_code = $2, pharmacy_response_code = $3,
			    pharmacy_response_message = $4, last_attempt_at = $5, attempt_count = $6,
			    transitions = $7, claimed_until = $8, version = version + 1
			WHERE id = $9 AND version = $10`,
			string(r.Status), r.ConfirmationCode, r.PharmacyResponseCode, r.PharmacyResponseMessage,
			r.LastAttemptAt, r.AttemptCount, transitions, r.ClaimedUntil, r.ID, r.Version)
		if err != nil {
			return apperror.Unavailable("update submission", err)
		}
		if tag.RowsAffected() == 0 {
			return staleOrMissing(ctx, tx, r)
		}
		r.Version++
		return nil
	})
}

// Claim takes the attempt lease with a version-guarded update. No outbox
// entry is written since the visible record does not change.
func (s *ErxStore) Claim(ctx context.Context, r *erx.Record, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE erx_submissions SET claimed_until = $1, version = version + 1
		WHERE id = $2 AND version = $3`, until, r.ID, r.Version)
	if err != nil {
		return apperror.Unavailable("claim submission", err)
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, s.pool, r)
	}
	r.ClaimedUntil = &until
	r.Version++
	return nil
}

// rowQuerier is satisfied by both the pool and a transaction
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func staleOrMissing(ctx context.Context, q rowQuerier, r *erx.Record) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM erx_submissions WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
		return apperror.Unavailable("check submission", err)
	}
	if !exists {
		return apperror.NotFound("submission", r.ID)
	}
	return fmt.Errorf("submission %s version %d: %w", r.ID, r.Version, apperror.ErrConflict)
}

// inTx runs write and the outbox insert for r in one transaction
func (s *ErxStore) inTx(ctx context.Context, r *erx.Record, write func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperror.Unavailable("begin submission tx", err)
	}
	defer tx.Rollback(ctx)

	if err := write(tx); err != nil {
		return err
	}

	entry, err := NewOutboxEntry("Submission", r.ID, events.TypeSubmissionUpdate, events.TopicErxEvents,
		events.SubmissionUpdated{Record: *r, OccurredAt: s.now().UTC()})
	if err != nil {
		return err
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return apperror.Unavailable("write submission outbox entry", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.Unavailable("commit submission", err)
	}
	return nil
}

func (s *ErxStore) Get(ctx context.Context, id string) (*erx.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+erxColumns+` FROM erx_submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("submission", id)
	}
	if err != nil {
		return nil, apperror.Unavailable("read submission", err)
	}
	return r, nil
}

func (s *ErxStore) ListByStatus(ctx context.Context, status erx.Status, limit int) ([]erx.Record, error) {
	q := `SELECT ` + erxColumns + ` FROM erx_submissions WHERE status = $1
		ORDER BY COALESCE(last_attempt_at, created_at) ASC`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.list(ctx, q, args...)
}

func (s *ErxStore) ListByPrescription(ctx context.Context, prescriptionID string) ([]erx.Record, error) {
	return s.list(ctx, `SELECT `+erxColumns+` FROM erx_submissions WHERE prescription_id = $1
		ORDER BY created_at ASC`, prescriptionID)
}

func (s *ErxStore) list(ctx context.Context, q string, args ...any) ([]erx.Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperror.Unavailable("query submissions", err)
	}
	defer rows.Close()

	out := make([]erx.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, apperror.Unavailable("scan submission", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Unavailable("read submissions", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*erx.Record, error) {
	var (
		r           erx.Record
		status      string
		transitions []byte
	)
	if err := row.Scan(&r.ID, &r.PrescriptionID, &status, &r.ConfirmationCode, &r.PharmacyResponseCode,
		&r.PharmacyResponseMessage, &r.CreatedAt, &r.LastAttemptAt, &r.AttemptCount, &transitions, &r.Version,
		&r.ClaimedUntil); err != nil {
		return nil, err
	}
	r.Status = erx.Status(status)
	if err := json.Unmarshal(transitions, &r.Transitions); err != nil {
		return nil, fmt.Errorf("decode transitions: %w", err)
	}
	return &r, nil
}
