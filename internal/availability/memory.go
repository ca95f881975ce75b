package availability

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/itbasis/go-clock"
)

// MemoryStore is an in-process Store. It backs single-instance development
// runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[uuid.UUID]Entry
	holds   map[uuid.UUID]Entry
}

// NewMemoryStore creates an empty pool. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{
		clock:   c,
		entries: make(map[uuid.UUID]Entry),
		holds:   make(map[uuid.UUID]Entry),
	}
}

func (s *MemoryStore) Set(_ context.Context, entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ReadyAt = s.clock.Now().UTC()
	s.entries[entry.UserID] = entry
	return entry, nil
}

func (s *MemoryStore) Get(_ context.Context, userID uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *MemoryStore) Remove(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, userID)
	delete(s.holds, userID)
	return nil
}

func (s *MemoryStore) ListReady(_ context.Context, gameMode string) ([]Entry, error) {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if gameMode == "" || e.GameMode == gameMode {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReadyAt.Equal(out[j].ReadyAt) {
			return out[i].ReadyAt.Before(out[j].ReadyAt)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, want := range entries {
		got, ok := s.entries[want.UserID]
		if !ok || !got.sameClaim(want) {
			return ErrStaleClaim
		}
	}
	for _, e := range entries {
		delete(s.entries, e.UserID)
		s.holds[e.UserID] = e
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if held, ok := s.holds[e.UserID]; ok && held.sameClaim(e) {
			delete(s.holds, e.UserID)
		}
	}
	return nil
}

func (s *MemoryStore) Restore(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		held, ok := s.holds[e.UserID]
		if !ok || !held.sameClaim(e) {
			continue
		}
		delete(s.holds, e.UserID)
		if _, exists := s.entries[e.UserID]; !exists {
			s.entries[e.UserID] = e
		}
	}
	return nil
}

// Len returns the number of queued users.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
