package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fifthgg/matchmaking/internal/availability"
)

// Directory resolves a user's server region from their profile.
// Users without a profile region resolve to the unknown region.
type Directory interface {
	RegionOf(ctx context.Context, userID uuid.UUID) (availability.Region, error)
}

// StaticDirectory is an in-memory Directory for the memory backend and tests.
type StaticDirectory struct {
	mu      sync.RWMutex
	regions map[uuid.UUID]availability.Region
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{regions: make(map[uuid.UUID]availability.Region)}
}

// SetRegion records the region for userID.
func (d *StaticDirectory) SetRegion(userID uuid.UUID, region string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regions[userID] = availability.NewRegion(region)
}

func (d *StaticDirectory) RegionOf(_ context.Context, userID uuid.UUID) (availability.Region, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.regions[userID], nil
}
