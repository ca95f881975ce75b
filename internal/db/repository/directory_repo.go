package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fifthgg/matchmaking/internal/availability"
)

// DirectoryRepository reads profile regions from the users table.
type DirectoryRepository struct {
	db DBTX
}

// NewDirectoryRepository constructs a region lookup.
func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// RegionOf returns the user's profile region; missing users or regions are unknown.
func (r *DirectoryRepository) RegionOf(ctx context.Context, userID uuid.UUID) (availability.Region, error) {
	var region *string
	err := r.db.QueryRow(ctx, `SELECT region FROM users WHERE id = $1`, userID).Scan(&region)
	if errors.Is(err, pgx.ErrNoRows) {
		return availability.Region{}, nil
	}
	if err != nil {
		return availability.Region{}, fmt.Errorf("lookup region: %w", err)
	}
	return availability.NewRegion(deref(region)), nil
}
