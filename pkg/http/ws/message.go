package ws

import "encoding/json"

// MessageType constants for the matchmaking WebSocket protocol.
const (
	// Client -> Server
	TypeJoinQueue    = "join-queue"
	TypeLeaveQueue   = "leave-queue"
	TypeMatchAccept  = "match-accept"
	TypeMatchDecline = "match-decline"

	// Server -> Client
	TypeQueueJoined    = "queue-joined"
	TypePeerReady      = "peer-ready"
	TypeQueueLeft      = "queue-left"
	TypeMatchFound     = "match-found"
	TypePlayerAccepted = "player-accepted"
	TypeMatchStarted   = "match-started"
	TypeMatchCancelled = "match-cancelled"
	TypeQueueError     = "queue-error"
	TypeMatchError     = "match-error"
)

// Message wraps all WebSocket payloads with type and optional request ID.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage encodes payload into a message of the given type.
func NewMessage(typ string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Payload, v)
}

// Client Messages (incoming)

type JoinQueuePayload struct {
	UserID    string  `json:"userId"`
	GameMode  string  `json:"gameMode"`
	RankRange *string `json:"rankRange"` // null means any rank
}

type LeaveQueuePayload struct {
	UserID string `json:"userId"`
}

// MatchDecisionPayload is shared by match-accept and match-decline.
type MatchDecisionPayload struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

// Server Messages (outgoing)

type QueueJoinedPayload struct {
	Success  bool   `json:"success"`
	GameMode string `json:"gameMode"`
}

type PeerReadyPayload struct {
	UserID   string `json:"userId"`
	GameMode string `json:"gameMode"`
}

type QueueLeftPayload struct {
	Success bool `json:"success"`
}

type Participant struct {
	UserID string `json:"userId"`
	Team   string `json:"team"`
	Status string `json:"status"`
}

type MatchFoundPayload struct {
	MatchID      string        `json:"matchId"`
	MatchCode    string        `json:"matchCode"`
	GameMode     string        `json:"gameMode"`
	Participants []Participant `json:"participants"`
}

type PlayerAcceptedPayload struct {
	MatchID     string `json:"matchId"`
	UserID      string `json:"userId"`
	AllAccepted bool   `json:"allAccepted"`
}

// MatchView is the full match carried by match-started.
type MatchView struct {
	ID           string        `json:"id"`
	MatchCode    string        `json:"matchCode"`
	GameMode     string        `json:"gameMode"`
	Status       string        `json:"status"`
	CreatedAt    string        `json:"createdAt"`
	StartedAt    *string       `json:"startedAt,omitempty"`
	Participants []Participant `json:"participants"`
}

type MatchStartedPayload struct {
	MatchID string    `json:"matchId"`
	Match   MatchView `json:"match"`
}

type MatchCancelledPayload struct {
	MatchID string `json:"matchId"`
	Reason  string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
