package notes

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/pkg/keylock"
)

// MemoryStore keeps versions in process. Appends for one subject are
// serialized by a per-subject lock.
type MemoryStore struct {
	locks *keylock.Locker

	mu       sync.RWMutex
	subjects map[string][]Version // ascending by number
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    keylock.New(),
		subjects: make(map[string][]Version),
	}
}

func (s *MemoryStore) Append(_ context.Context, v *Version) error {
	unlock := s.locks.Lock(v.SubjectID)
	defer unlock()

	s.mu.RLock()
	next := len(s.subjects[v.SubjectID]) + 1
	s.mu.RUnlock()

	v.Number = next

	s.mu.Lock()
	s.subjects[v.SubjectID] = append(s.subjects[v.SubjectID], *v)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, subjectID string, since time.Time) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.subjects[subjectID]
	out := make([]Version, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if !since.IsZero() && all[i].CreatedAt.Before(since) {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, subjectID string, number int) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.subjects[subjectID]
	if number < 1 || number > len(all) {
		return nil, apperror.NotFound("note version", subjectID+"/v"+strconv.Itoa(number))
	}
	v := all[number-1]
	return &v, nil
}
