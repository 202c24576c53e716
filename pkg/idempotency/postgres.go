package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepath/clinsafe/internal/apperror"
)

// PgStore keeps inbox entries in the inbox table
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a Postgres-backed store
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Get(ctx context.Context, key string) (*Entry, error) {
	const q = `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1`

	e := &Entry{}
	err := s.pool.QueryRow(ctx, q, key).Scan(
		&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("inbox entry", key)
	}
	if err != nil {
		return nil, apperror.Unavailable("read inbox entry", err)
	}
	return e, nil
}

func (s *PgStore) Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	const q = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`

	var returned string
	err := s.pool.QueryRow(ctx, q, key, handler, StatusStarted, payload, expiresAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return apperror.Unavailable("claim inbox entry", err)
	}
	return nil
}

func (s *PgStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	const q = `UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`
	tag, err := s.pool.Exec(ctx, q, status, result, key)
	if err != nil {
		return apperror.Unavailable("update inbox entry", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("inbox entry", key)
	}
	return nil
}

func (s *PgStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, apperror.Unavailable("expire inbox entries", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED' AND updated_at < $1`
	tag, err := s.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, apperror.Unavailable("recover stale inbox entries", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) Stats(ctx context.Context) (*Stats, error) {
	const q = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`

	st := &Stats{}
	if err := s.pool.QueryRow(ctx, q).Scan(&st.Total, &st.Started, &st.Finished, &st.Recoverable, &st.Failed); err != nil {
		return nil, apperror.Unavailable("inbox stats", err)
	}
	return st, nil
}
