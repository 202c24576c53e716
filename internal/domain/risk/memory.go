package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carepath/clinsafe/internal/apperror"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string]*Log
	claims map[string]time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*Log), claims: make(map[string]time.Time)}
}

func (s *MemoryStore) Insert(_ context.Context, l *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[l.ID]; ok {
		return apperror.ErrConflict
	}
	cp := clone(*l)
	s.logs[l.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, apperror.NotFound("risk log", id)
	}
	cp := clone(*l)
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]Log, error) {
	s.mu.RLock()
	out := make([]Log, 0)
	for _, l := range s.logs {
		if q.SubjectID != "" && l.SubjectID != q.SubjectID {
			continue
		}
		if q.Level != "" && l.Level != q.Level {
			continue
		}
		if !q.Since.IsZero() && l.CreatedAt.Before(q.Since) {
			continue
		}
		if q.OnlyPending && l.NotifiedAt != nil {
			continue
		}
		out = append(out, clone(*l))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkNotified(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return false, apperror.NotFound("risk log", id)
	}
	if l.NotifiedAt != nil {
		return false, nil
	}
	l.NotifiedAt = &at
	delete(s.claims, id)
	return true, nil
}

func (s *MemoryStore) ClaimNotify(_ context.Context, id string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return false, apperror.NotFound("risk log", id)
	}
	if l.NotifiedAt != nil {
		return false, nil
	}
	if lease, held := s.claims[id]; held && lease.After(now) {
		return false, nil
	}
	s.claims[id] = until
	return true, nil
}

func (s *MemoryStore) ReleaseNotify(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func clone(l Log) Log {
	l.Keywords = append([]string(nil), l.Keywords...)
	if l.NotifiedAt != nil {
		t := *l.NotifiedAt
		l.NotifiedAt = &t
	}
	return l
}
