package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/risk"
	"github.com/carepath/clinsafe/internal/events"
)

// RiskStore persists risk logs. Every insert also writes a RiskLogged outbox
// entry in the same transaction.
type RiskStore struct {
	pool *pgxpool.Pool
}

// NewRiskStore creates a RiskStore
func NewRiskStore(pool *pgxpool.Pool) *RiskStore {
	return &RiskStore{pool: pool}
}

const riskColumns = `id, subject_id, session_id, level, keywords, snippet, score, created_at, notified_at`

func (s *RiskStore) Insert(ctx context.Context, l *risk.Log) error {
	entry, err := NewOutboxEntry("RiskLog", l.SubjectID, events.TypeRiskLogged, events.TopicRiskEvents,
		events.RiskLogged{Log: *l, OccurredAt: l.CreatedAt})
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperror.Unavailable("begin risk log tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO risk_logs (`+riskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.SubjectID, l.SessionID, string(l.Level), l.Keywords, l.Snippet, l.Score, l.CreatedAt, l.NotifiedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("risk log %s: %w", l.ID, apperror.ErrConflict)
		}
		return apperror.Unavailable("insert risk log", err)
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return apperror.Unavailable("write risk outbox entry", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.Unavailable("commit risk log", err)
	}
	return nil
}

func (s *RiskStore) Get(ctx context.Context, id string) (*risk.Log, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM risk_logs WHERE id = $1`, id)
	l, err := scanRisk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("risk log", id)
	}
	if err != nil {
		return nil, apperror.Unavailable("read risk log", err)
	}
	return l, nil
}

func (s *RiskStore) List(ctx context.Context, q risk.Query) ([]risk.Log, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.SubjectID != "" {
		add("subject_id = $%d", q.SubjectID)
	}
	if q.Level != "" {
		add("level = $%d", string(q.Level))
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since)
	}
	if q.OnlyPending {
		where = append(where, "notified_at IS NULL")
	}

	sql := `SELECT ` + riskColumns + ` FROM risk_logs`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperror.Unavailable("query risk logs", err)
	}
	defer rows.Close()

	out := make([]risk.Log, 0)
	for rows.Next() {
		l, err := scanRisk(rows)
		if err != nil {
			return nil, apperror.Unavailable("scan risk log", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Unavailable("read risk logs", err)
	}
	return out, nil
}

func (s *RiskStore) MarkNotified(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE risk_logs SET notified_at = $1, notify_claimed_until = NULL
		 WHERE id = $2 AND notified_at IS NULL`, at, id)
	if err != nil {
		return false, apperror.Unavailable("mark risk log notified", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, id)
}

// ClaimNotify takes the dispatch lease with a conditional update, so only
// one dispatcher across processes sends a given log at a time.
func (s *RiskStore) ClaimNotify(ctx context.Context, id string, now, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE risk_logs SET notify_claimed_until = $1
		WHERE id = $2 AND notified_at IS NULL
		  AND (notify_claimed_until IS NULL OR notify_claimed_until <= $3)`, until, id, now)
	if err != nil {
		return false, apperror.Unavailable("claim risk log", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, id)
}

func (s *RiskStore) ReleaseNotify(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE risk_logs SET notify_claimed_until = NULL WHERE id = $1 AND notified_at IS NULL`, id); err != nil {
		return apperror.Unavailable("release risk log", err)
	}
	return nil
}

func (s *RiskStore) mustExist(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM risk_logs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return apperror.Unavailable("check risk log", err)
	}
	if !exists {
		return apperror.NotFound("risk log", id)
	}
	return nil
}

func scanRisk(row pgx.Row) (*risk.Log, error) {
	var (
		l     risk.Log
		level string
	)
	if err := row.Scan(&l.ID, &l.SubjectID, &l.SessionID, &level, &l.Keywords, &l.Snippet,
		&l.Score, &l.CreatedAt, &l.NotifiedAt); err != nil {
		return nil, err
	}
	l.Level = risk.Level(level)
	if l.Keywords == nil {
		l.Keywords = []string{}
	}
	return &l, nil
}
