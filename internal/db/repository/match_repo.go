package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fifthgg/matchmaking/internal/registry"
)

const matchCodeAttempts = 3

// MatchRepository persists matches and participants in Postgres.
type MatchRepository struct {
	db DBTX
}

var _ registry.Store = (*MatchRepository)(nil)

// NewMatchRepository constructs a new match repository.
func NewMatchRepository(db DBTX) *MatchRepository {
	return &MatchRepository{db: db}
}

// Create inserts the match row and every participant in one transaction.
func (r *MatchRepository) Create(ctx context.Context, gameMode string, playerIDs []uuid.UUID, participantStatus string) (*registry.Match, error) {
	if err := registry.ValidatePlayers(playerIDs); err != nil {
		return nil, err
	}
	if !registry.ValidParticipantStatus(participantStatus) {
		return nil, fmt.Errorf("%w: %q", registry.ErrInvalidStatus, participantStatus)
	}

	for attempt := 1; ; attempt++ {
		match, err := r.create(ctx, gameMode, playerIDs, participantStatus)
		if err == nil {
			return match, nil
		}
		if attempt < matchCodeAttempts && isUniqueViolation(err, "matches_match_code_key") {
			continue
		}
		return nil, err
	}
}

func (r *MatchRepository) create(ctx context.Context, gameMode string, playerIDs []uuid.UUID, participantStatus string) (*registry.Match, error) {
	code, err := registry.NewMatchCode()
	if err != nil {
		return nil, err
	}

	match := &registry.Match{MatchCode: code, GameMode: gameMode, Status: registry.StatusActive}
	teams := registry.AssignTeams(len(playerIDs))

	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO matches (match_code, game_mode, status)
			VALUES ($1, $2, $3)
			RETURNING id, created_at`,
			code, gameMode, registry.StatusActive,
		).Scan(&match.ID, &match.CreatedAt); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}

		batch := &pgx.Batch{}
		for i, userID := range playerIDs {
			batch.Queue(`
				INSERT INTO match_participants (match_id, user_id, seat, team, status)
				VALUES ($1, $2, $3, $4, $5)`,
				match.ID, userID, i, teams[i], participantStatus)
			match.Participants = append(match.Participants, registry.Participant{
				MatchID: match.ID,
				UserID:  userID,
				Team:    teams[i],
				Status:  participantStatus,
			})
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	match.CreatedAt = match.CreatedAt.UTC()
	return match, nil
}

// Get returns the match with participants in seat order.
func (r *MatchRepository) Get(ctx context.Context, matchID uuid.UUID) (*registry.Match, error) {
	var m registry.Match
	err := r.db.QueryRow(ctx, `
		SELECT id, match_code, game_mode, status, created_at, started_at, completed_at
		FROM matches WHERE id = $1`, matchID,
	).Scan(&m.ID, &m.MatchCode, &m.GameMode, &m.Status, &m.CreatedAt, &m.StartedAt, &m.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.StartedAt = utcPtr(m.StartedAt)
	m.CompletedAt = utcPtr(m.CompletedAt)

	rows, err := r.db.Query(ctx, `
		SELECT match_id, user_id, team, status
		FROM match_participants WHERE match_id = $1
		ORDER BY seat`, matchID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p registry.Participant
		if err := rows.Scan(&p.MatchID, &p.UserID, &p.Team, &p.Status); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		m.Participants = append(m.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return &m, nil
}

func (r *MatchRepository) UpdateParticipantStatus(ctx context.Context, matchID, userID uuid.UUID, status string) error {
	if !registry.ValidParticipantStatus(status) {
		return fmt.Errorf("%w: %q", registry.ErrInvalidStatus, status)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE match_participants SET status = $3
		WHERE match_id = $1 AND user_id = $2`, matchID, userID, status)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, matchID).Scan(&exists); err != nil {
		return fmt.Errorf("check match: %w", err)
	}
	if !exists {
		return registry.ErrMatchNotFound
	}
	return registry.ErrParticipantNotFound
}

func (r *MatchRepository) UpdateMatchStatus(ctx context.Context, matchID uuid.UUID, status string) (*registry.Match, error) {
	if !registry.ValidMatchStatus(status) {
		return nil, fmt.Errorf("%w: %q", registry.ErrInvalidStatus, status)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE matches SET
			status       = $2,
			started_at   = CASE WHEN $2 = 'active' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
			updated_at   = NOW()
		WHERE id = $1`, matchID, status)
	if err != nil {
		return nil, fmt.Errorf("update match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, registry.ErrMatchNotFound
	}
	return r.Get(ctx, matchID)
}

func (r *MatchRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]registry.HistoryEntry, error) {
	if limit <= 0 {
		limit = registry.DefaultHistoryLimit
	}

	rows, err := r.db.Query(ctx, `
		SELECT m.id, m.match_code, m.game_mode, m.status, m.created_at, m.started_at, m.completed_at,
		       mp.team, mp.status
		FROM match_participants mp
		JOIN matches m ON m.id = mp.match_id
		WHERE mp.user_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("match history: %w", err)
	}
	defer rows.Close()

	var out []registry.HistoryEntry
	for rows.Next() {
		var h registry.HistoryEntry
		if err := rows.Scan(&h.MatchID, &h.MatchCode, &h.GameMode, &h.Status, &h.CreatedAt,
			&h.StartedAt, &h.CompletedAt, &h.Team, &h.ParticipantStatus); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.CreatedAt = h.CreatedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
