package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/itbasis/go-clock"
)

// MemoryStore keeps matches in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clock.Clock
	matches map[uuid.UUID]*Match
}

// NewMemoryStore creates an empty registry. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{
		clock:   c,
		matches: make(map[uuid.UUID]*Match),
	}
}

func (s *MemoryStore) Create(_ context.Context, gameMode string, playerIDs []uuid.UUID, participantStatus string) (*Match, error) {
	if err := ValidatePlayers(playerIDs); err != nil {
		return nil, err
	}
	if !ValidParticipantStatus(participantStatus) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, participantStatus)
	}
	code, err := NewMatchCode()
	if err != nil {
		return nil, err
	}

	m := &Match{
		ID:           uuid.New(),
		MatchCode:    code,
		GameMode:     gameMode,
		Status:       StatusActive,
		CreatedAt:    s.clock.Now().UTC(),
		Participants: make([]Participant, len(playerIDs)),
	}
	teams := AssignTeams(len(playerIDs))
	for i, id := range playerIDs {
		m.Participants[i] = Participant{MatchID: m.ID, UserID: id, Team: teams[i], Status: participantStatus}
	}

	s.mu.Lock()
	s.matches[m.ID] = m
	s.mu.Unlock()

	return cloneMatch(m), nil
}

func (s *MemoryStore) Get(_ context.Context, matchID uuid.UUID) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return cloneMatch(m), nil
}

func (s *MemoryStore) UpdateParticipantStatus(_ context.Context, matchID, userID uuid.UUID, status string) error {
	if !ValidParticipantStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	for i := range m.Participants {
		if m.Participants[i].UserID == userID {
			m.Participants[i].Status = status
			return nil
		}
	}
	return ErrParticipantNotFound
}

func (s *MemoryStore) UpdateMatchStatus(_ context.Context, matchID uuid.UUID, status string) (*Match, error) {
	if !ValidMatchStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	now := s.clock.Now().UTC()
	m.Status = status
	switch status {
	case StatusActive:
		m.StartedAt = &now
	case StatusCompleted:
		m.CompletedAt = &now
	}
	return cloneMatch(m), nil
}

func (s *MemoryStore) History(_ context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	var out []HistoryEntry
	for _, m := range s.matches {
		p, ok := m.Participant(userID)
		if !ok {
			continue
		}
		out = append(out, HistoryEntry{
			MatchID:           m.ID,
			MatchCode:         m.MatchCode,
			GameMode:          m.GameMode,
			Status:            m.Status,
			CreatedAt:         m.CreatedAt,
			StartedAt:         m.StartedAt,
			CompletedAt:       m.CompletedAt,
			Team:              p.Team,
			ParticipantStatus: p.Status,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneMatch(m *Match) *Match {
	c := *m
	c.Participants = append([]Participant(nil), m.Participants...)
	if m.StartedAt != nil {
		t := *m.StartedAt
		c.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
