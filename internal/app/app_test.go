package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifthgg/matchmaking/internal/auth/jwt"
	"github.com/fifthgg/matchmaking/internal/config"
	ws "github.com/fifthgg/matchmaking/pkg/http/ws"
)

const testSecret = "test-secret"

func newTestApp(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.App{
		Name:                    "matchmaking-test",
		Env:                     "development",
		HTTPAddr:                ":0",
		GracefulShutdownTimeout: time.Second,
		StoreBackend:            config.BackendMemory,
		Security:                config.Security{JWTSecret: testSecret, JWTIssuer: "fifthgg"},
		Matchmaking:             config.Matchmaking{LockBackend: config.BackendLocal, MaxClaimAttempts: 3},
		Session:                 config.Session{IdleTimeout: time.Minute, Fanout: config.BackendLocal},
		CORS:                    config.CORS{AllowedOrigins: []string{"http://localhost:3000"}},
	}

	a, err := build(context.Background(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	require.Nil(t, a.pool)
	require.Nil(t, a.redis)

	srv := httptest.NewServer(a.http.Handler)
	t.Cleanup(srv.Close)
	return srv
}

type player struct {
	id   uuid.UUID
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) player {
	t.Helper()
	id := uuid.New()
	token, err := jwt.NewManager(jwt.TokenConfig{AccessSecret: []byte(testSecret)}).GenerateAccessToken(id, "")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/matchmaking?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return player{id: id, conn: conn}
}

func (p player) send(t *testing.T, typ string, payload any) {
	t.Helper()
	msg, err := ws.NewMessage(typ, payload)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteJSON(msg))
}

// await reads until a message of typ arrives, skipping the rest.
func (p player) await(t *testing.T, typ string, v any) {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg ws.Message
		require.NoError(t, p.conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			require.NoError(t, msg.Decode(v))
			return
		}
	}
}

func TestMatchmakingOverWebSocket(t *testing.T) {
	srv := newTestApp(t)
	a, b := dial(t, srv), dial(t, srv)

	a.send(t, ws.TypeJoinQueue, ws.JoinQueuePayload{UserID: a.id.String(), GameMode: "competitive"})
	var joined ws.QueueJoinedPayload
	a.await(t, ws.TypeQueueJoined, &joined)
	assert.True(t, joined.Success)

	b.send(t, ws.TypeJoinQueue, ws.JoinQueuePayload{UserID: b.id.String(), GameMode: "competitive"})

	var peer ws.PeerReadyPayload
	a.await(t, ws.TypePeerReady, &peer)
	assert.Equal(t, b.id.String(), peer.UserID)

	var foundA, foundB ws.MatchFoundPayload
	a.await(t, ws.TypeMatchFound, &foundA)
	b.await(t, ws.TypeMatchFound, &foundB)
	assert.Equal(t, foundA.MatchID, foundB.MatchID)
	assert.Len(t, foundA.Participants, 2)

	b.send(t, ws.TypeMatchAccept, ws.MatchDecisionPayload{MatchID: foundB.MatchID, UserID: b.id.String()})

	var started ws.MatchStartedPayload
	a.await(t, ws.TypeMatchStarted, &started)
	assert.Equal(t, foundA.MatchID, started.MatchID)
	assert.Equal(t, "active", started.Match.Status)

	resp, err := http.Get(srv.URL + "/v1/ranks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	srv := newTestApp(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/matchmaking"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinForAnotherUserIsRejected(t *testing.T) {
	srv := newTestApp(t)
	p := dial(t, srv)

	p.send(t, ws.TypeJoinQueue, ws.JoinQueuePayload{UserID: uuid.NewString(), GameMode: "competitive"})
	var failure ws.ErrorPayload
	p.await(t, ws.TypeQueueError, &failure)
	assert.Equal(t, "validation_failed", failure.Code)
}
