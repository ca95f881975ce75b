package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/itbasis/go-clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifthgg/matchmaking/internal/availability"
	"github.com/fifthgg/matchmaking/internal/matchmaker"
	"github.com/fifthgg/matchmaking/internal/registry"
	httperrors "github.com/fifthgg/matchmaking/pkg/http/errors"
	ws "github.com/fifthgg/matchmaking/pkg/http/ws"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	msgs []ws.Message
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg ws.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) ofType(typ string) []ws.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ws.Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T, typ string, v any) {
	t.Helper()
	msgs := c.ofType(typ)
	require.NotEmpty(t, msgs, "no %s received", typ)
	require.NoError(t, msgs[len(msgs)-1].Decode(v))
}

type harness struct {
	clock    *clock.Mock
	pool     *availability.MemoryStore
	matches  *registry.MemoryStore
	hub      *ws.Hub
	registry *Registry
	dir      *StaticDirectory
	gateway  *Gateway
}

func newHarness(t *testing.T, size int, explicitAccept bool) *harness {
	t.Helper()
	c := clock.NewMock()
	h := &harness{
		clock:    c,
		pool:     availability.NewMemoryStore(c),
		matches:  registry.NewMemoryStore(c),
		hub:      ws.NewHub(zerolog.Nop()),
		registry: NewRegistry(c),
		dir:      NewStaticDirectory(),
	}
	mm := matchmaker.New(h.pool, h.matches, nil, matchmaker.Options{
		MatchSize:             size,
		RequireExplicitAccept: explicitAccept,
	}, zerolog.Nop())
	h.gateway = NewGateway(Deps{
		Pool:       h.pool,
		Matches:    h.matches,
		Matchmaker: mm,
		Registry:   h.registry,
		Publisher:  NewLocalPublisher(h.registry, h.hub, zerolog.Nop()),
		Directory:  h.dir,
	}, Options{IdleTimeout: 2 * time.Minute}, zerolog.Nop())
	return h
}

type player struct {
	id   uuid.UUID
	conn *fakeConn
}

func (h *harness) connect(region string) player {
	p := player{id: uuid.New(), conn: &fakeConn{id: uuid.NewString()}}
	h.hub.Register(p.conn)
	h.registry.Bind(p.id, p.conn.id)
	h.dir.SetRegion(p.id, region)
	return p
}

func (h *harness) send(t *testing.T, p player, typ string, payload any) {
	t.Helper()
	msg, err := ws.NewMessage(typ, payload)
	require.NoError(t, err)
	msg.RequestID = "req-1"
	h.gateway.Dispatch(context.Background(), Origin{UserID: p.id, Conn: p.conn, RequestID: msg.RequestID}, msg)
}

func (h *harness) join(t *testing.T, p player, rankRange string) {
	t.Helper()
	var rr *string
	if rankRange != "" {
		rr = &rankRange
	}
	h.send(t, p, ws.TypeJoinQueue, ws.JoinQueuePayload{UserID: p.id.String(), GameMode: "competitive", RankRange: rr})
}

func (h *harness) decide(t *testing.T, p player, typ string, matchID string) {
	t.Helper()
	h.send(t, p, typ, ws.MatchDecisionPayload{MatchID: matchID, UserID: p.id.String()})
}

func (h *harness) matchPair(t *testing.T) (player, player, string) {
	t.Helper()
	a, b := h.connect("ap"), h.connect("ap")
	h.join(t, a, "gold 1")
	h.join(t, b, "gold 3")

	var found ws.MatchFoundPayload
	a.conn.last(t, ws.TypeMatchFound, &found)
	return a, b, found.MatchID
}

func TestJoin_AcksBroadcastsAndMatches(t *testing.T) {
	h := newHarness(t, 2, false)
	a, b := h.connect("ap"), h.connect("ap")
	c := h.connect("ap")

	h.join(t, a, "gold 1")

	var joined ws.QueueJoinedPayload
	a.conn.last(t, ws.TypeQueueJoined, &joined)
	assert.True(t, joined.Success)
	assert.Equal(t, "competitive", joined.GameMode)
	assert.Equal(t, "req-1", a.conn.ofType(ws.TypeQueueJoined)[0].RequestID)

	assert.Empty(t, a.conn.ofType(ws.TypePeerReady), "no echo to the joining connection")
	var ready ws.PeerReadyPayload
	b.conn.last(t, ws.TypePeerReady, &ready)
	assert.Equal(t, a.id.String(), ready.UserID)

	h.join(t, c, "radiant")
	h.join(t, b, "gold 3")

	var found ws.MatchFoundPayload
	a.conn.last(t, ws.TypeMatchFound, &found)
	assert.Len(t, found.Participants, 2)
	assert.NotEmpty(t, found.MatchCode)
	assert.Len(t, b.conn.ofType(ws.TypeMatchFound), 1)
	assert.Empty(t, c.conn.ofType(ws.TypeMatchFound))

	_, err := h.pool.Get(context.Background(), c.id)
	assert.NoError(t, err, "radiant player stays queued")
	assert.Equal(t, 1, h.pool.Len())
}

func TestJoin_RegionsDoNotMix(t *testing.T) {
	h := newHarness(t, 2, false)
	a, b := h.connect("ap"), h.connect("eu")

	h.join(t, a, "gold 1")
	h.join(t, b, "gold 1")

	assert.Empty(t, a.conn.ofType(ws.TypeMatchFound))
	assert.Equal(t, 2, h.pool.Len())
}

func TestAccept_DefaultModeStartsOnFirstAccept(t *testing.T) {
	h := newHarness(t, 2, false)
	a, b, matchID := h.matchPair(t)

	h.decide(t, a, ws.TypeMatchAccept, matchID)

	var accepted ws.PlayerAcceptedPayload
	b.conn.last(t, ws.TypePlayerAccepted, &accepted)
	assert.True(t, accepted.AllAccepted, "players are seated as accepted")
	assert.Equal(t, a.id.String(), accepted.UserID)

	var started ws.MatchStartedPayload
	b.conn.last(t, ws.TypeMatchStarted, &started)
	assert.Equal(t, matchID, started.MatchID)
	assert.Equal(t, registry.StatusActive, started.Match.Status)
	assert.NotNil(t, started.Match.StartedAt)

	h.decide(t, b, ws.TypeMatchAccept, matchID)
	assert.Len(t, a.conn.ofType(ws.TypeMatchStarted), 1, "started fires once")
}

func TestAccept_ExplicitModeWaitsForEveryone(t *testing.T) {
	h := newHarness(t, 2, true)
	a, b, matchID := h.matchPair(t)

	var found ws.MatchFoundPayload
	b.conn.last(t, ws.TypeMatchFound, &found)
	for _, p := range found.Participants {
		assert.Equal(t, registry.ParticipantPending, p.Status)
	}

	h.decide(t, a, ws.TypeMatchAccept, matchID)
	var accepted ws.PlayerAcceptedPayload
	b.conn.last(t, ws.TypePlayerAccepted, &accepted)
	assert.False(t, accepted.AllAccepted)
	assert.Empty(t, b.conn.ofType(ws.TypeMatchStarted))

	h.decide(t, b, ws.TypeMatchAccept, matchID)
	a.conn.last(t, ws.TypePlayerAccepted, &accepted)
	assert.True(t, accepted.AllAccepted)
	assert.Len(t, a.conn.ofType(ws.TypeMatchStarted), 1)
	assert.Len(t, b.conn.ofType(ws.TypeMatchStarted), 1)
}

func TestDecline_CancelsAndRejectsLaterAccepts(t *testing.T) {
	h := newHarness(t, 2, true)
	a, b, matchID := h.matchPair(t)

	h.decide(t, b, ws.TypeMatchDecline, matchID)

	var cancelled ws.MatchCancelledPayload
	a.conn.last(t, ws.TypeMatchCancelled, &cancelled)
	assert.Equal(t, matchID, cancelled.MatchID)
	assert.Equal(t, "Player declined", cancelled.Reason)
	assert.Len(t, b.conn.ofType(ws.TypeMatchCancelled), 1)

	h.decide(t, a, ws.TypeMatchAccept, matchID)
	var failure ws.ErrorPayload
	a.conn.last(t, ws.TypeMatchError, &failure)
	assert.Equal(t, httperrors.ErrCodeMatchClosed, failure.Code)
	assert.Empty(t, a.conn.ofType(ws.TypePlayerAccepted))
	assert.Empty(t, b.conn.ofType(ws.TypeMatchError), "errors go to the origin only")

	match, err := h.matches.Get(context.Background(), uuid.MustParse(matchID))
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCancelled, match.Status)
	seat, _ := match.Participant(a.id)
	assert.Equal(t, registry.ParticipantPending, seat.Status)
}

func TestDecline_CancelsStartedMatch(t *testing.T) {
	h := newHarness(t, 2, false)
	a, b, matchID := h.matchPair(t)

	h.decide(t, a, ws.TypeMatchAccept, matchID)
	require.Len(t, b.conn.ofType(ws.TypeMatchStarted), 1)

	h.decide(t, b, ws.TypeMatchDecline, matchID)

	var cancelled ws.MatchCancelledPayload
	a.conn.last(t, ws.TypeMatchCancelled, &cancelled)
	assert.Equal(t, matchID, cancelled.MatchID)
	assert.Equal(t, "Player declined", cancelled.Reason)

	match, err := h.matches.Get(context.Background(), uuid.MustParse(matchID))
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCancelled, match.Status)
	assert.NotNil(t, match.StartedAt)
	seat, _ := match.Participant(b.id)
	assert.Equal(t, registry.ParticipantDeclined, seat.Status)

	h.decide(t, a, ws.TypeMatchDecline, matchID)
	var failure ws.ErrorPayload
	a.conn.last(t, ws.TypeMatchError, &failure)
	assert.Equal(t, httperrors.ErrCodeMatchClosed, failure.Code)
}

func TestDecision_Errors(t *testing.T) {
	h := newHarness(t, 2, true)
	a, _, matchID := h.matchPair(t)
	outsider := h.connect("ap")

	h.decide(t, outsider, ws.TypeMatchAccept, matchID)
	var failure ws.ErrorPayload
	outsider.conn.last(t, ws.TypeMatchError, &failure)
	assert.Equal(t, httperrors.ErrCodeNotFound, failure.Code)

	h.decide(t, a, ws.TypeMatchAccept, uuid.NewString())
	a.conn.last(t, ws.TypeMatchError, &failure)
	assert.Equal(t, httperrors.ErrCodeNotFound, failure.Code)

	h.decide(t, a, ws.TypeMatchDecline, "not-a-uuid")
	a.conn.last(t, ws.TypeMatchError, &failure)
	assert.Equal(t, httperrors.ErrCodeValidationFailed, failure.Code)
}

func TestJoin_Validation(t *testing.T) {
	h := newHarness(t, 2, false)
	a, other := h.connect("ap"), h.connect("ap")

	h.send(t, a, ws.TypeJoinQueue, ws.JoinQueuePayload{UserID: a.id.String(), GameMode: "  "})
	h.send(t, a, ws.TypeJoinQueue, ws.JoinQueuePayload{GameMode: "competitive"})
	h.send(t, a, ws.TypeJoinQueue, ws.JoinQueuePayload{UserID: other.id.String(), GameMode: "competitive"})

	errs := a.conn.ofType(ws.TypeQueueError)
	require.Len(t, errs, 3)
	for _, m := range errs {
		var p ws.ErrorPayload
		require.NoError(t, m.Decode(&p))
		assert.Equal(t, httperrors.ErrCodeValidationFailed, p.Code)
	}
	assert.Equal(t, 0, h.pool.Len(), "no state mutated")
	assert.Empty(t, other.conn.ofType(ws.TypePeerReady))
}

func TestDispatch_UnknownAndMalformed(t *testing.T) {
	h := newHarness(t, 2, false)
	a := h.connect("ap")

	h.gateway.Dispatch(context.Background(), Origin{UserID: a.id, Conn: a.conn}, ws.Message{Type: "match:join"})
	var failure ws.ErrorPayload
	a.conn.last(t, ws.TypeQueueError, &failure)
	assert.Equal(t, httperrors.ErrCodeUnknownMessageType, failure.Code)

	h.gateway.Dispatch(context.Background(), Origin{UserID: a.id, Conn: a.conn}, ws.Message{Type: ws.TypeMatchAccept, Payload: []byte(`[1,2]`)})
	a.conn.last(t, ws.TypeMatchError, &failure)
	assert.Equal(t, httperrors.ErrCodeValidationFailed, failure.Code)
}

type brokenPool struct {
	availability.Store
	panics bool
}

func (p brokenPool) Set(context.Context, availability.Entry) (availability.Entry, error) {
	if p.panics {
		panic("boom")
	}
	return availability.Entry{}, errors.New("connection refused")
}

func TestDispatch_StoreFailuresAndPanics(t *testing.T) {
	for name, tc := range map[string]struct {
		panics bool
		code   string
	}{
		"store error": {code: httperrors.ErrCodeStoreUnavailable},
		"panic":       {panics: true, code: httperrors.ErrCodeInternalError},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 2, false)
			h.gateway.pool = brokenPool{Store: h.pool, panics: tc.panics}
			a := h.connect("ap")

			require.NotPanics(t, func() { h.join(t, a, "") })

			var failure ws.ErrorPayload
			a.conn.last(t, ws.TypeQueueError, &failure)
			assert.Equal(t, tc.code, failure.Code)
			assert.Empty(t, a.conn.ofType(ws.TypeQueueJoined))
		})
	}
}

func TestLeave_RemovesEntryAndBinding(t *testing.T) {
	h := newHarness(t, 5, false)
	a := h.connect("ap")
	h.join(t, a, "")
	require.Equal(t, 1, h.pool.Len())

	h.send(t, a, ws.TypeLeaveQueue, ws.LeaveQueuePayload{UserID: a.id.String()})

	var left ws.QueueLeftPayload
	a.conn.last(t, ws.TypeQueueLeft, &left)
	assert.True(t, left.Success)
	assert.Equal(t, 0, h.pool.Len())
	_, bound := h.registry.Lookup(a.id)
	assert.False(t, bound)

	h.send(t, a, ws.TypeLeaveQueue, ws.LeaveQueuePayload{UserID: a.id.String()})
	assert.Len(t, a.conn.ofType(ws.TypeQueueLeft), 2, "leaving twice is harmless")
}

func TestReapIdle_CleansUpSilentUsers(t *testing.T) {
	h := newHarness(t, 5, false)
	quiet, chatty := h.connect("ap"), h.connect("ap")
	h.join(t, quiet, "")
	h.join(t, chatty, "")

	h.clock.Add(3 * time.Minute)
	h.registry.Touch(chatty.id, chatty.conn.id)

	assert.Equal(t, 1, h.gateway.ReapIdle(context.Background()))

	_, err := h.pool.Get(context.Background(), quiet.id)
	assert.ErrorIs(t, err, availability.ErrNotFound)
	_, bound := h.registry.Lookup(quiet.id)
	assert.False(t, bound)

	_, err = h.pool.Get(context.Background(), chatty.id)
	assert.NoError(t, err)
}
