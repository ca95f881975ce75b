package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/itbasis/go-clock"
	"github.com/jackc/pgx/v5"

	"github.com/fifthgg/matchmaking/internal/availability"
)

// AvailabilityRepository is the Postgres ready pool.
type AvailabilityRepository struct {
	db    DBTX
	clock clock.Clock
}

var _ availability.Store = (*AvailabilityRepository)(nil)

// NewAvailabilityRepository constructs the repository. A nil clock uses wall time.
func NewAvailabilityRepository(db DBTX, c clock.Clock) *AvailabilityRepository {
	if c == nil {
		c = clock.New()
	}
	return &AvailabilityRepository{db: db, clock: c}
}

const availabilityColumns = `user_id, game_mode, rank_range, region, ready_at`

func scanEntry(row pgx.Row) (availability.Entry, error) {
	var (
		e      availability.Entry
		region *string
	)
	if err := row.Scan(&e.UserID, &e.GameMode, &e.RankRange, &region, &e.ReadyAt); err != nil {
		return availability.Entry{}, err
	}
	e.Region = availability.NewRegion(deref(region))
	e.ReadyAt = e.ReadyAt.UTC()
	return e, nil
}

// Set upserts the user's declaration.
func (r *AvailabilityRepository) Set(ctx context.Context, entry availability.Entry) (availability.Entry, error) {
	// Postgres keeps microseconds; truncate so the returned entry matches what a later read sees.
	readyAt := r.clock.Now().UTC().Truncate(time.Microsecond)

	row := r.db.QueryRow(ctx, `
		INSERT INTO availability (`+availabilityColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			game_mode  = EXCLUDED.game_mode,
			rank_range = EXCLUDED.rank_range,
			region     = EXCLUDED.region,
			ready_at   = EXCLUDED.ready_at
		RETURNING `+availabilityColumns,
		entry.UserID, entry.GameMode, entry.RankRange, entry.Region.Ptr(), readyAt)

	saved, err := scanEntry(row)
	if err != nil {
		return availability.Entry{}, fmt.Errorf("upsert availability: %w", err)
	}
	return saved, nil
}

func (r *AvailabilityRepository) Get(ctx context.Context, userID uuid.UUID) (*availability.Entry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+availabilityColumns+` FROM availability WHERE user_id = $1`, userID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, availability.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get availability: %w", err)
	}
	return &e, nil
}

// Remove deletes the row and any hold, so a pending claim cannot restore it.
func (r *AvailabilityRepository) Remove(ctx context.Context, userID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `
		WITH released AS (DELETE FROM availability_holds WHERE user_id = $1)
		DELETE FROM availability WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("remove availability: %w", err)
	}
	return nil
}

func (r *AvailabilityRepository) ListReady(ctx context.Context, gameMode string) ([]availability.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+availabilityColumns+`
		FROM availability
		WHERE ($1 = '' OR game_mode = $1)
		ORDER BY ready_at, user_id`, gameMode)
	if err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	defer rows.Close()

	var out []availability.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Claim moves the snapshot rows into availability_holds in one transaction,
// rolling back unless every row matched.
func (r *AvailabilityRepository) Claim(ctx context.Context, entries []availability.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(entries))
	modes := make([]string, len(entries))
	readyAts := make([]time.Time, len(entries))
	for i, e := range entries {
		ids[i], modes[i], readyAts[i] = e.UserID, e.GameMode, e.ReadyAt
	}

	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			WITH claimed AS (
				DELETE FROM availability a
				USING unnest($1::uuid[], $2::text[], $3::timestamptz[]) AS c(user_id, game_mode, ready_at)
				WHERE a.user_id = c.user_id AND a.game_mode = c.game_mode AND a.ready_at = c.ready_at
				RETURNING a.user_id, a.game_mode, a.ready_at
			)
			INSERT INTO availability_holds (user_id, game_mode, ready_at)
			SELECT user_id, game_mode, ready_at FROM claimed
			ON CONFLICT (user_id) DO UPDATE SET
				game_mode  = EXCLUDED.game_mode,
				ready_at   = EXCLUDED.ready_at,
				claimed_at = NOW()`,
			ids, modes, readyAts)
		if err != nil {
			return fmt.Errorf("claim availability: %w", err)
		}
		if tag.RowsAffected() != int64(len(entries)) {
			return availability.ErrStaleClaim
		}
		return nil
	})
}

// Release drops the holds of a claim that became a match.
func (r *AvailabilityRepository) Release(ctx context.Context, entries []availability.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM availability_holds WHERE user_id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("release holds: %w", err)
	}
	return nil
}

// Restore reinserts rows that are still held. Users who left since the claim
// have no hold; users who declared again keep their newer row.
func (r *AvailabilityRepository) Restore(ctx context.Context, entries []availability.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			WITH held AS (
				DELETE FROM availability_holds
				WHERE user_id = $1 AND game_mode = $2 AND ready_at = $5
				RETURNING user_id
			)
			INSERT INTO availability (`+availabilityColumns+`)
			SELECT $1::uuid, $2::text, $3::text, $4::text, $5::timestamptz FROM held
			ON CONFLICT (user_id) DO NOTHING`,
			e.UserID, e.GameMode, e.RankRange, e.Region.Ptr(), e.ReadyAt)
	}

	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("restore availability: %w", err)
		}
		return nil
	})
}
