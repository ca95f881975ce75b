package availability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a user has no availability entry.
	ErrNotFound = errors.New("availability entry not found")
	// ErrStaleClaim is returned by Claim when any entry changed or left the pool.
	ErrStaleClaim = errors.New("availability changed since snapshot")
)

// Region is an optional server region. The zero value is the unknown region,
// which never compares equal to a named region (including one named "unknown").
type Region struct {
	name string
}

// NewRegion wraps a region name; blank names yield the unknown region.
func NewRegion(name string) Region {
	return Region{name: strings.TrimSpace(name)}
}

// Known reports whether the region carries a name.
func (r Region) Known() bool { return r.name != "" }

// Name returns the region name, empty when unknown.
func (r Region) Name() string { return r.name }

// Ptr returns the name as a nullable value for storage.
func (r Region) Ptr() *string {
	if !r.Known() {
		return nil
	}
	n := r.name
	return &n
}

func (r Region) String() string {
	if !r.Known() {
		return "<unknown>"
	}
	return r.name
}

func (r Region) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Ptr())
}

func (r *Region) UnmarshalJSON(data []byte) error {
	var name *string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == nil {
		*r = Region{}
		return nil
	}
	*r = NewRegion(*name)
	return nil
}

// Entry is one user's declaration of readiness for a game mode.
type Entry struct {
	UserID    uuid.UUID `json:"user_id"`
	GameMode  string    `json:"game_mode"`
	RankRange *string   `json:"rank_range"` // nil means any rank
	Region    Region    `json:"region"`
	ReadyAt   time.Time `json:"ready_at"`
}

// Rank returns the rank label, empty when the user accepts any rank.
func (e Entry) Rank() string {
	if e.RankRange == nil {
		return ""
	}
	return *e.RankRange
}

// sameClaim reports whether other still describes the declaration e was read from.
func (e Entry) sameClaim(other Entry) bool {
	return e.UserID == other.UserID && e.GameMode == other.GameMode && e.ReadyAt.Equal(other.ReadyAt)
}

// Store is the ready pool. At most one entry exists per user.
type Store interface {
	// Set upserts the user's entry, stamping ReadyAt.
	Set(ctx context.Context, entry Entry) (Entry, error)
	Get(ctx context.Context, userID uuid.UUID) (*Entry, error)
	// Remove deletes the user's entry and any hold on it; removing an absent
	// entry is not an error.
	Remove(ctx context.Context, userID uuid.UUID) error
	// ListReady returns entries for gameMode (all modes when empty), oldest first.
	ListReady(ctx context.Context, gameMode string) ([]Entry, error)
	// Claim deletes every entry all-or-nothing, only if each is still present
	// unchanged, and holds them until Release or Restore. Otherwise nothing
	// is deleted and ErrStaleClaim is returned.
	Claim(ctx context.Context, entries []Entry) error
	// Release drops the holds of a claim that became a match.
	Release(ctx context.Context, entries []Entry) error
	// Restore puts held entries back. Users who left since the claim (their
	// hold is gone) stay out; users who declared again keep the newer entry.
	Restore(ctx context.Context, entries []Entry) error
}
