package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Match lifecycle states. A match is created active; cancelled and completed are terminal.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Participant states.
const (
	ParticipantPending  = "pending"
	ParticipantAccepted = "accepted"
	ParticipantDeclined = "declined"
)

// Team labels.
const (
	Team1 = "team1"
	Team2 = "team2"
)

var (
	ErrMatchNotFound       = errors.New("match not found")
	ErrParticipantNotFound = errors.New("match participant not found")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrInvalidPlayers      = errors.New("match needs at least one distinct player")
)

// Participant is one player's seat in a match.
type Participant struct {
	MatchID uuid.UUID `json:"match_id"`
	UserID  uuid.UUID `json:"user_id"`
	Team    string    `json:"team"`
	Status  string    `json:"status"`
}

// Match is a proposed or confirmed group of players.
type Match struct {
	ID           uuid.UUID     `json:"id"`
	MatchCode    string        `json:"match_code"`
	GameMode     string        `json:"game_mode"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Participants []Participant `json:"participants"`
}

// AllAccepted reports whether every participant accepted.
func (m *Match) AllAccepted() bool {
	if len(m.Participants) == 0 {
		return false
	}
	for _, p := range m.Participants {
		if p.Status != ParticipantAccepted {
			return false
		}
	}
	return true
}

// Closed reports whether the match reached a terminal state.
func (m *Match) Closed() bool {
	return m.Status == StatusCancelled || m.Status == StatusCompleted
}

// Participant looks up a player's seat.
func (m *Match) Participant(userID uuid.UUID) (Participant, bool) {
	for _, p := range m.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantIDs returns the user ids in seat order.
func (m *Match) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(m.Participants))
	for i, p := range m.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// HistoryEntry is a match as seen by one of its participants.
type HistoryEntry struct {
	MatchID           uuid.UUID  `json:"match_id"`
	MatchCode         string     `json:"match_code"`
	GameMode          string     `json:"game_mode"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Team              string     `json:"team"`
	ParticipantStatus string     `json:"participant_status"`
}

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 20

// Store persists matches and their participants.
type Store interface {
	// Create inserts the match and all participants as one unit.
	Create(ctx context.Context, gameMode string, playerIDs []uuid.UUID, participantStatus string) (*Match, error)
	Get(ctx context.Context, matchID uuid.UUID) (*Match, error)
	UpdateParticipantStatus(ctx context.Context, matchID, userID uuid.UUID, status string) error
	// UpdateMatchStatus stamps StartedAt for active and CompletedAt for completed.
	UpdateMatchStatus(ctx context.Context, matchID uuid.UUID, status string) (*Match, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error)
}

// AssignTeams splits players in order: the first half on team1, the rest
// (including the odd player out) on team2.
func AssignTeams(n int) []string {
	teams := make([]string, n)
	for i := range teams {
		if i < n/2 {
			teams[i] = Team1
		} else {
			teams[i] = Team2
		}
	}
	return teams
}

// NewMatchCode returns a short shareable token: 4 random bytes, upper hex.
func NewMatchCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("match code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// ValidatePlayers rejects empty or duplicated player lists.
func ValidatePlayers(playerIDs []uuid.UUID) error {
	if len(playerIDs) == 0 {
		return ErrInvalidPlayers
	}
	seen := make(map[uuid.UUID]struct{}, len(playerIDs))
	for _, id := range playerIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate %s", ErrInvalidPlayers, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ValidParticipantStatus reports whether status is a participant state.
func ValidParticipantStatus(status string) bool {
	switch status {
	case ParticipantPending, ParticipantAccepted, ParticipantDeclined:
		return true
	}
	return false
}

// ValidMatchStatus reports whether status is a match state.
func ValidMatchStatus(status string) bool {
	switch status {
	case StatusActive, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}
