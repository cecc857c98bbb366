package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory. Used for tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	days   map[string]map[Key]Entry
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: map[string]map[Key]Entry{}}
}

func (s *MemoryStore) Lookup(_ context.Context, day string) (map[Key]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[Key]struct{}, len(s.days[day]))
	for k := range s.days[day] {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *MemoryStore) InsertMany(_ context.Context, day string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m := s.days[day]
	if m == nil {
		m = map[Key]Entry{}
		s.days[day] = m
	}
	for _, e := range entries {
		if _, ok := m[e.Key]; !ok {
			m[e.Key] = e
		}
	}
	return nil
}

// Entry returns the stored entry for key on day.
func (s *MemoryStore) Entry(day string, key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.days[day][key]
	return e, ok
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
