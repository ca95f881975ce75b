package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fifthgg/matchmaking/internal/availability"
	"github.com/fifthgg/matchmaking/internal/rank"
	"github.com/fifthgg/matchmaking/internal/registry"
)

const lockPrefix = "matchmaking:lock:"

// Recorder receives matchmaking observations. internal/metrics implements it.
type Recorder interface {
	ObserveAttempt(gameMode, outcome string, took time.Duration)
	ObserveMatch(gameMode string, size, spread int)
}

// Attempt outcomes reported to the Recorder.
const (
	OutcomeMatched   = "matched"
	OutcomeNoMatch   = "no_match"
	OutcomeContended = "contended"
	OutcomeError     = "error"
)

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(string, string, time.Duration) {}
func (nopRecorder) ObserveMatch(string, int, int)                {}

// Options configures the matchmaker.
type Options struct {
	MatchSize int // players per match, fixed for the process
	// RequireExplicitAccept seeds participants as pending instead of accepted.
	RequireExplicitAccept bool
	// MaxClaimAttempts bounds rescans after a stale snapshot, default 3.
	MaxClaimAttempts int
	Window           int // rank window, default rank.Window
	Recorder         Recorder
}

// Matchmaker turns the ready pool into matches. It holds no state of its own.
type Matchmaker struct {
	pool    availability.Store
	matches registry.Store
	locker  Locker
	opts    Options
	logger  zerolog.Logger
}

// New creates a matchmaker. A nil locker falls back to an in-process lock.
func New(pool availability.Store, matches registry.Store, locker Locker, opts Options, logger zerolog.Logger) *Matchmaker {
	if opts.MatchSize <= 0 {
		opts.MatchSize = 5
	}
	if opts.MaxClaimAttempts <= 0 {
		opts.MaxClaimAttempts = 3
	}
	if opts.Window <= 0 {
		opts.Window = rank.Window
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Matchmaker{
		pool:    pool,
		matches: matches,
		locker:  locker,
		opts:    opts,
		logger:  logger.With().Str("component", "matchmaker").Logger(),
	}
}

// MatchSize returns the configured players per match.
func (m *Matchmaker) MatchSize() int { return m.opts.MatchSize }

// ParticipantStatus is the seat state new matches start with.
func (m *Matchmaker) ParticipantStatus() string {
	if m.opts.RequireExplicitAccept {
		return registry.ParticipantPending
	}
	return registry.ParticipantAccepted
}

// TryMatch looks for one compatible group for gameMode (every mode when empty)
// and turns it into a match. A nil match with a nil error means nobody fits yet;
// the caller retries on the next trigger.
func (m *Matchmaker) TryMatch(ctx context.Context, gameMode string) (*registry.Match, error) {
	start := time.Now()
	key := gameMode
	if key == "" {
		key = "*"
	}

	unlock, err := m.locker.Lock(ctx, lockPrefix+key)
	if err != nil {
		m.opts.Recorder.ObserveAttempt(gameMode, OutcomeError, time.Since(start))
		return nil, fmt.Errorf("lock game mode %q: %w", key, err)
	}
	defer unlock()

	match, outcome, err := m.tryLocked(ctx, gameMode)
	m.opts.Recorder.ObserveAttempt(gameMode, outcome, time.Since(start))
	return match, err
}

func (m *Matchmaker) tryLocked(ctx context.Context, gameMode string) (*registry.Match, string, error) {
	for attempt := 1; attempt <= m.opts.MaxClaimAttempts; attempt++ {
		ready, err := m.pool.ListReady(ctx, gameMode)
		if err != nil {
			return nil, OutcomeError, fmt.Errorf("list ready users: %w", err)
		}

		m.logger.Debug().
			Str("game_mode", gameMode).
			Int("ready", len(ready)).
			Int("need", m.opts.MatchSize).
			Msg("looking for match")

		group := SelectGroup(ready, m.opts.MatchSize, m.opts.Window)
		if group == nil {
			return nil, OutcomeNoMatch, nil
		}

		// Conditional eviction: fails if anyone left or re-declared since ListReady.
		if err := m.pool.Claim(ctx, group.Entries); err != nil {
			if errors.Is(err, availability.ErrStaleClaim) {
				m.logger.Info().Int("attempt", attempt).Str("game_mode", group.GameMode).Msg("ready pool changed, rescanning")
				continue
			}
			return nil, OutcomeError, fmt.Errorf("claim players: %w", err)
		}

		match, err := m.persist(ctx, group)
		if err != nil {
			return nil, OutcomeError, err
		}
		m.opts.Recorder.ObserveMatch(group.GameMode, len(group.Entries), group.Spread)
		return match, OutcomeMatched, nil
	}

	m.logger.Warn().Str("game_mode", gameMode).Int("attempts", m.opts.MaxClaimAttempts).Msg("gave up after repeated stale snapshots")
	return nil, OutcomeContended, nil
}

func (m *Matchmaker) persist(ctx context.Context, group *Group) (*registry.Match, error) {
	ids := group.UserIDs()

	created, err := m.matches.Create(ctx, group.GameMode, ids, m.ParticipantStatus())
	if err != nil {
		if rerr := m.pool.Restore(ctx, group.Entries); rerr != nil {
			m.logger.Error().Err(rerr).Msg("restore claimed players failed")
		}
		return nil, fmt.Errorf("create match: %w", err)
	}
	if err := m.pool.Release(ctx, group.Entries); err != nil {
		m.logger.Warn().Err(err).Str("match_id", created.ID.String()).Msg("release claimed players failed")
	}

	m.logger.Info().
		Str("match_id", created.ID.String()).
		Str("game_mode", group.GameMode).
		Str("region", group.Region.String()).
		Int("players", len(ids)).
		Int("rank_spread", group.Spread).
		Msg("match created")

	match, err := m.matches.Get(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("reload match: %w", err)
	}
	return match, nil
}
