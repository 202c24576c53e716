package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/notes"
)

// NotesStore persists note versions. Version numbers are assigned inside a
// transaction holding a per-subject advisory lock; UNIQUE(subject_id,
// version) backs it up.
type NotesStore struct {
	pool *pgxpool.Pool
}

// NewNotesStore creates a NotesStore
func NewNotesStore(pool *pgxpool.Pool) *NotesStore {
	return &NotesStore{pool: pool}
}

const noteColumns = `id, subject_id, session_id, version, subjective, objective, assessment, plan, notes, created_at`

// subjectLockKey maps a subject to an advisory lock key
func subjectLockKey(subjectID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("note_versions:" + subjectID))
	return int64(h.Sum64())
}

func (s *NotesStore) Append(ctx context.Context, v *notes.Version) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperror.Unavailable("begin note tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, subjectLockKey(v.SubjectID)); err != nil {
		return apperror.Unavailable("lock subject notes", err)
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM note_versions WHERE subject_id = $1`, v.SubjectID,
	).Scan(&next); err != nil {
		return apperror.Unavailable("next note version", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO note_versions (`+noteColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.SubjectID, v.SessionID, next,
		v.Sections.Subjective, v.Sections.Objective, v.Sections.Assessment, v.Sections.Plan,
		v.Notes, v.CreatedAt)
	if err != nil {
		return apperror.Unavailable("insert note version", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.Unavailable("commit note version", err)
	}
	v.Number = next
	return nil
}

func (s *NotesStore) List(ctx context.Context, subjectID string, since time.Time) ([]notes.Version, error) {
	q := `SELECT ` + noteColumns + ` FROM note_versions WHERE subject_id = $1`
	args := []any{subjectID}
	if !since.IsZero() {
		q += ` AND created_at >= $2`
		args = append(args, since)
	}
	q += ` ORDER BY version DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperror.Unavailable("query note versions", err)
	}
	defer rows.Close()

	out := make([]notes.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, apperror.Unavailable("scan note version", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Unavailable("read note versions", err)
	}
	return out, nil
}

func (s *NotesStore) Get(ctx context.Context, subjectID string, number int) (*notes.Version, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM note_versions WHERE subject_id = $1 AND version = $2`, subjectID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("note version", fmt.Sprintf("%s/v%d", subjectID, number))
	}
	if err != nil {
		return nil, apperror.Unavailable("read note version", err)
	}
	return v, nil
}

func scanVersion(row pgx.Row) (*notes.Version, error) {
	var v notes.Version
	err := row.Scan(&v.ID, &v.SubjectID, &v.SessionID, &v.Number,
		&v.Sections.Subjective, &v.Sections.Objective, &v.Sections.Assessment, &v.Sections.Plan,
		&v.Notes, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
