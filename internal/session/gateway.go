package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fifthgg/matchmaking/internal/availability"
	"github.com/fifthgg/matchmaking/internal/logging"
	"github.com/fifthgg/matchmaking/internal/matchmaker"
	"github.com/fifthgg/matchmaking/internal/registry"
	httperrors "github.com/fifthgg/matchmaking/pkg/http/errors"
	ws "github.com/fifthgg/matchmaking/pkg/http/ws"
)

var (
	// ErrValidation marks malformed or missing intent fields.
	ErrValidation = errors.New("validation failed")
	// ErrMatchClosed is returned for accept/decline on a cancelled or completed match.
	ErrMatchClosed = errors.New("match is no longer open")
)

const (
	matchLockPrefix = "matchmaking:match-lock:"
	declinedReason  = "Player declined"
)

// Recorder receives gateway observations. internal/metrics implements it.
type Recorder interface {
	ObserveEvent(event, code string)
	ObserveReaped(n int)
	ObserveConnection(delta int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvent(string, string) {}
func (nopRecorder) ObserveReaped(int)           {}
func (nopRecorder) ObserveConnection(int)       {}

// Origin is the connection an intent arrived on.
type Origin struct {
	UserID    uuid.UUID // authenticated user, uuid.Nil skips the identity check
	Conn      ws.Client
	RequestID string
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Pool       availability.Store
	Matches    registry.Store
	Matchmaker *matchmaker.Matchmaker
	Locker     matchmaker.Locker // serializes accept/decline per match
	Registry   *Registry
	Publisher  Publisher
	Directory  Directory
}

// Options configures the gateway.
type Options struct {
	IdleTimeout time.Duration // default 2m
	Recorder    Recorder
}

// Gateway turns inbound intents into store operations and outbound events.
type Gateway struct {
	pool      availability.Store
	matches   registry.Store
	mm        *matchmaker.Matchmaker
	locker    matchmaker.Locker
	registry  *Registry
	publisher Publisher
	directory Directory
	opts      Options
	logger    zerolog.Logger
}

// NewGateway wires a gateway.
func NewGateway(deps Deps, opts Options, logger zerolog.Logger) *Gateway {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if deps.Locker == nil {
		deps.Locker = matchmaker.NewLocalLocker()
	}
	if deps.Directory == nil {
		deps.Directory = NewStaticDirectory()
	}
	return &Gateway{
		pool:      deps.Pool,
		matches:   deps.Matches,
		mm:        deps.Matchmaker,
		locker:    deps.Locker,
		registry:  deps.Registry,
		publisher: deps.Publisher,
		directory: deps.Directory,
		opts:      opts,
		logger:    logger.With().Str("component", "session_gateway").Logger(),
	}
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Dispatch routes one inbound message. Every failure, including a panic, is
// reported to the originating connection only.
func (g *Gateway) Dispatch(ctx context.Context, o Origin, msg ws.Message) {
	errType := errorEventFor(msg.Type)
	defer func() {
		if r := recover(); r != nil {
			logger := logging.FromContext(ctx, g.logger)
			logger.Error().Interface("panic", r).Str("type", msg.Type).Msg("handler panicked")
			g.opts.Recorder.ObserveEvent(msg.Type, httperrors.ErrCodeInternalError)
			g.reply(o, errType, ws.ErrorPayload{Code: httperrors.ErrCodeInternalError, Message: "Internal error"})
		}
	}()

	g.registry.Touch(o.UserID, o.Conn.ID())

	var err error
	switch msg.Type {
	case ws.TypeJoinQueue:
		var p ws.JoinQueuePayload
		if err = decode(msg, &p); err == nil {
			err = g.Join(ctx, o, p)
		}
	case ws.TypeLeaveQueue:
		var p ws.LeaveQueuePayload
		if err = decode(msg, &p); err == nil {
			err = g.Leave(ctx, o, p)
		}
	case ws.TypeMatchAccept:
		var p ws.MatchDecisionPayload
		if err = decode(msg, &p); err == nil {
			err = g.Accept(ctx, o, p)
		}
	case ws.TypeMatchDecline:
		var p ws.MatchDecisionPayload
		if err = decode(msg, &p); err == nil {
			err = g.Decline(ctx, o, p)
		}
	default:
		g.opts.Recorder.ObserveEvent("unknown", httperrors.ErrCodeUnknownMessageType)
		g.reply(o, errType, ws.ErrorPayload{
			Code:    httperrors.ErrCodeUnknownMessageType,
			Message: fmt.Sprintf("Unknown message type: %s", msg.Type),
		})
		return
	}

	if err != nil {
		g.fail(ctx, o, msg.Type, errType, err)
		return
	}
	g.opts.Recorder.ObserveEvent(msg.Type, "ok")
}

// Join declares the user ready, acks, tells everyone else, then tries to match.
func (g *Gateway) Join(ctx context.Context, o Origin, p ws.JoinQueuePayload) error {
	userID, err := g.identify(o, p.UserID)
	if err != nil {
		return err
	}
	gameMode := strings.TrimSpace(p.GameMode)
	if gameMode == "" {
		return fmt.Errorf("%w: gameMode is required", ErrValidation)
	}

	region, err := g.directory.RegionOf(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve region: %w", err)
	}

	g.registry.Bind(userID, o.Conn.ID())

	if _, err := g.pool.Set(ctx, availability.Entry{
		UserID:    userID,
		GameMode:  gameMode,
		RankRange: p.RankRange,
		Region:    region,
	}); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	g.reply(o, ws.TypeQueueJoined, ws.QueueJoinedPayload{Success: true, GameMode: gameMode})
	g.publish(ctx, nil, o.Conn.ID(), ws.TypePeerReady, ws.PeerReadyPayload{UserID: userID.String(), GameMode: gameMode})

	g.logger.Info().
		Str("user_id", userID.String()).
		Str("game_mode", gameMode).
		Str("region", region.String()).
		Msg("user joined matchmaking")

	match, err := g.mm.TryMatch(ctx, gameMode)
	if err != nil {
		return fmt.Errorf("try match: %w", err)
	}
	if match == nil {
		return nil
	}

	g.publish(ctx, match.ParticipantIDs(), "", ws.TypeMatchFound, ws.MatchFoundPayload{
		MatchID:      match.ID.String(),
		MatchCode:    match.MatchCode,
		GameMode:     match.GameMode,
		Participants: participantViews(match),
	})
	return nil
}

// Leave withdraws the user from the pool and drops their connection mapping.
func (g *Gateway) Leave(ctx context.Context, o Origin, p ws.LeaveQueuePayload) error {
	userID, err := g.identify(o, p.UserID)
	if err != nil {
		return err
	}

	if err := g.release(ctx, userID); err != nil {
		return err
	}

	g.reply(o, ws.TypeQueueLeft, ws.QueueLeftPayload{Success: true})
	g.logger.Info().Str("user_id", userID.String()).Msg("user left matchmaking")
	return nil
}

// Accept confirms the user's seat and starts the match once everyone accepted.
func (g *Gateway) Accept(ctx context.Context, o Origin, p ws.MatchDecisionPayload) error {
	matchID, userID, err := g.decision(o, p)
	if err != nil {
		return err
	}

	unlock, err := g.locker.Lock(ctx, matchLockPrefix+matchID.String())
	if err != nil {
		return fmt.Errorf("lock match: %w", err)
	}
	defer unlock()

	match, err := g.openSeat(ctx, matchID, userID)
	if err != nil {
		return err
	}

	if err := g.matches.UpdateParticipantStatus(ctx, matchID, userID, registry.ParticipantAccepted); err != nil {
		return fmt.Errorf("accept seat: %w", err)
	}
	if match, err = g.matches.Get(ctx, matchID); err != nil {
		return fmt.Errorf("reload match: %w", err)
	}

	allAccepted := match.AllAccepted()
	ids := match.ParticipantIDs()
	g.publish(ctx, ids, "", ws.TypePlayerAccepted, ws.PlayerAcceptedPayload{
		MatchID:     matchID.String(),
		UserID:      userID.String(),
		AllAccepted: allAccepted,
	})

	g.logger.Info().
		Str("match_id", matchID.String()).
		Str("user_id", userID.String()).
		Bool("all_accepted", allAccepted).
		Msg("player accepted match")

	if !allAccepted || match.StartedAt != nil {
		return nil
	}

	started, err := g.matches.UpdateMatchStatus(ctx, matchID, registry.StatusActive)
	if err != nil {
		return fmt.Errorf("start match: %w", err)
	}
	g.publish(ctx, ids, "", ws.TypeMatchStarted, ws.MatchStartedPayload{
		MatchID: matchID.String(),
		Match:   matchView(started),
	})
	g.logger.Info().Str("match_id", matchID.String()).Msg("match started")
	return nil
}

// Decline records the refusal and cancels the match for everyone. It is
// accepted until the match is cancelled or completed, so a started match is
// cancelled too.
func (g *Gateway) Decline(ctx context.Context, o Origin, p ws.MatchDecisionPayload) error {
	matchID, userID, err := g.decision(o, p)
	if err != nil {
		return err
	}

	unlock, err := g.locker.Lock(ctx, matchLockPrefix+matchID.String())
	if err != nil {
		return fmt.Errorf("lock match: %w", err)
	}
	defer unlock()

	match, err := g.openSeat(ctx, matchID, userID)
	if err != nil {
		return err
	}

	if err := g.matches.UpdateParticipantStatus(ctx, matchID, userID, registry.ParticipantDeclined); err != nil {
		return fmt.Errorf("decline seat: %w", err)
	}
	if _, err := g.matches.UpdateMatchStatus(ctx, matchID, registry.StatusCancelled); err != nil {
		return fmt.Errorf("cancel match: %w", err)
	}

	g.publish(ctx, match.ParticipantIDs(), "", ws.TypeMatchCancelled, ws.MatchCancelledPayload{
		MatchID: matchID.String(),
		Reason:  declinedReason,
	})
	g.logger.Info().Str("match_id", matchID.String()).Str("user_id", userID.String()).Msg("match cancelled after decline")
	return nil
}

// ReapIdle runs the leave cleanup for every user idle past the timeout.
func (g *Gateway) ReapIdle(ctx context.Context) int {
	expired := g.registry.ExpireIdle(g.opts.IdleTimeout)
	for _, userID := range expired {
		if err := g.pool.Remove(ctx, userID); err != nil {
			g.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("idle cleanup failed")
			continue
		}
		g.logger.Info().Str("user_id", userID.String()).Msg("idle session reaped")
	}
	if len(expired) > 0 {
		g.opts.Recorder.ObserveReaped(len(expired))
	}
	return len(expired)
}

// RunReaper blocks until context cancellation, reaping idle sessions every interval.
func (g *Gateway) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.ReapIdle(ctx)
		}
	}
}

func (g *Gateway) release(ctx context.Context, userID uuid.UUID) error {
	if err := g.pool.Remove(ctx, userID); err != nil {
		return fmt.Errorf("remove availability: %w", err)
	}
	g.registry.Unbind(userID)
	return nil
}

// openSeat loads the match and checks it still takes decisions from userID.
func (g *Gateway) openSeat(ctx context.Context, matchID, userID uuid.UUID) (*registry.Match, error) {
	match, err := g.matches.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Closed() {
		return nil, ErrMatchClosed
	}
	if _, ok := match.Participant(userID); !ok {
		return nil, registry.ErrParticipantNotFound
	}
	return match, nil
}

func (g *Gateway) identify(o Origin, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: userId is not a valid id", ErrValidation)
	}
	if o.UserID != uuid.Nil && userID != o.UserID {
		return uuid.Nil, fmt.Errorf("%w: userId does not match the authenticated user", ErrValidation)
	}
	return userID, nil
}

func (g *Gateway) decision(o Origin, p ws.MatchDecisionPayload) (uuid.UUID, uuid.UUID, error) {
	if strings.TrimSpace(p.MatchID) == "" {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: matchId is required", ErrValidation)
	}
	matchID, err := uuid.Parse(strings.TrimSpace(p.MatchID))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: matchId is not a valid id", ErrValidation)
	}
	userID, err := g.identify(o, p.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return matchID, userID, nil
}

func (g *Gateway) reply(o Origin, typ string, payload any) {
	msg, err := ws.NewMessage(typ, payload)
	if err != nil {
		g.logger.Error().Err(err).Str("type", typ).Msg("encode reply failed")
		return
	}
	msg.RequestID = o.RequestID
	if err := o.Conn.Send(msg); err != nil {
		g.logger.Debug().Err(err).Str("type", typ).Msg("reply not delivered")
	}
}

// publish sends to userIDs, or to everyone but exceptConn when userIDs is nil.
func (g *Gateway) publish(ctx context.Context, userIDs []uuid.UUID, exceptConn, typ string, payload any) {
	msg, err := ws.NewMessage(typ, payload)
	if err != nil {
		g.logger.Error().Err(err).Str("type", typ).Msg("encode event failed")
		return
	}
	if userIDs == nil {
		err = g.publisher.ToOthers(ctx, exceptConn, msg)
	} else {
		err = g.publisher.ToUsers(ctx, userIDs, msg)
	}
	if err != nil {
		g.logger.Warn().Err(err).Str("type", typ).Msg("publish event failed")
	}
}

func (g *Gateway) fail(ctx context.Context, o Origin, intent, errType string, err error) {
	code, message := classify(err, intent)
	logger := logging.FromContext(ctx, g.logger)
	evt := logger.Warn()
	if code == httperrors.ErrCodeStoreUnavailable {
		evt = logger.Error()
	}
	evt.Err(err).Str("type", intent).Str("code", code).Msg("intent failed")

	g.opts.Recorder.ObserveEvent(intent, code)
	g.reply(o, errType, ws.ErrorPayload{Code: code, Message: message})
}

// classify maps an intent failure to its wire code and client message.
func classify(err error, intent string) (string, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return httperrors.ErrCodeValidationFailed, err.Error()
	case errors.Is(err, registry.ErrMatchNotFound):
		return httperrors.ErrCodeNotFound, "Match not found"
	case errors.Is(err, registry.ErrParticipantNotFound):
		return httperrors.ErrCodeNotFound, "You are not a participant in this match"
	case errors.Is(err, availability.ErrNotFound):
		return httperrors.ErrCodeNotFound, "Not in the matchmaking pool"
	case errors.Is(err, ErrMatchClosed):
		return httperrors.ErrCodeMatchClosed, "Match is no longer open"
	}

	switch intent {
	case ws.TypeJoinQueue:
		return httperrors.ErrCodeStoreUnavailable, "Failed to join matchmaking"
	case ws.TypeLeaveQueue:
		return httperrors.ErrCodeStoreUnavailable, "Failed to leave matchmaking"
	case ws.TypeMatchAccept:
		return httperrors.ErrCodeStoreUnavailable, "Failed to accept match"
	case ws.TypeMatchDecline:
		return httperrors.ErrCodeStoreUnavailable, "Failed to decline match"
	}
	return httperrors.ErrCodeStoreUnavailable, "Request failed"
}

func errorEventFor(intent string) string {
	if intent == ws.TypeMatchAccept || intent == ws.TypeMatchDecline {
		return ws.TypeMatchError
	}
	return ws.TypeQueueError
}

func decode(msg ws.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid %s payload", ErrValidation, msg.Type)
	}
	return nil
}

func participantViews(m *registry.Match) []ws.Participant {
	out := make([]ws.Participant, len(m.Participants))
	for i, p := range m.Participants {
		out[i] = ws.Participant{UserID: p.UserID.String(), Team: p.Team, Status: p.Status}
	}
	return out
}

func matchView(m *registry.Match) ws.MatchView {
	view := ws.MatchView{
		ID:           m.ID.String(),
		MatchCode:    m.MatchCode,
		GameMode:     m.GameMode,
		Status:       m.Status,
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
		Participants: participantViews(m),
	}
	if m.StartedAt != nil {
		s := m.StartedAt.Format(time.RFC3339)
		view.StartedAt = &s
	}
	return view
}
