package erx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carepath/clinsafe/internal/apperror"
)

// MemoryStore keeps records in process
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("submission %s: %w", r.ID, apperror.ErrConflict)
	}
	r.Version = 1
	cp := cloneRecord(*r)
	s.records[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := cloneRecord(*r)
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[r.ID]
	if !ok {
		return notFound(r.ID)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("submission %s: %w", r.ID, apperror.ErrConflict)
	}
	r.Version++
	cp := cloneRecord(*r)
	s.records[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, r *Record, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[r.ID]
	if !ok {
		return notFound(r.ID)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("submission %s: %w", r.ID, apperror.ErrConflict)
	}
	r.ClaimedUntil = &until
	r.Version++
	cp := cloneRecord(*r)
	s.records[r.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, cloneRecord(*r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return lastAttempt(out[i]).Before(lastAttempt(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByPrescription(_ context.Context, prescriptionID string) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.PrescriptionID == prescriptionID {
			out = append(out, cloneRecord(*r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func lastAttempt(r Record) time.Time {
	if r.LastAttemptAt != nil {
		return *r.LastAttemptAt
	}
	return r.CreatedAt
}

func cloneRecord(r Record) Record {
	r.Transitions = append([]Transition(nil), r.Transitions...)
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		r.LastAttemptAt = &t
	}
	if r.ClaimedUntil != nil {
		t := *r.ClaimedUntil
		r.ClaimedUntil = &t
	}
	return r
}
