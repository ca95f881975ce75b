package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ws "github.com/fifthgg/matchmaking/pkg/http/ws"
)

// Publisher fans events out to users. Delivery is best-effort: only users with
// a live connection receive anything and nothing is queued for later.
type Publisher interface {
	// ToUsers sends msg to each user's bound connection.
	ToUsers(ctx context.Context, userIDs []uuid.UUID, msg ws.Message) error
	// ToOthers sends msg to every connection except originConnID.
	ToOthers(ctx context.Context, originConnID string, msg ws.Message) error
}

// LocalPublisher delivers through this process's registry and hub.
type LocalPublisher struct {
	registry *Registry
	hub      *ws.Hub
	logger   zerolog.Logger
}

// NewLocalPublisher creates an in-process publisher.
func NewLocalPublisher(registry *Registry, hub *ws.Hub, logger zerolog.Logger) *LocalPublisher {
	return &LocalPublisher{
		registry: registry,
		hub:      hub,
		logger:   logger.With().Str("component", "session_publisher").Logger(),
	}
}

func (p *LocalPublisher) ToUsers(_ context.Context, userIDs []uuid.UUID, msg ws.Message) error {
	for _, userID := range userIDs {
		connID, ok := p.registry.Lookup(userID)
		if !ok {
			continue
		}
		if err := p.hub.Send(connID, msg); err != nil {
			// Stale binding or slow reader; the user misses this event.
			p.logger.Debug().Err(err).Str("user_id", userID.String()).Str("type", msg.Type).Msg("event not delivered")
		}
	}
	return nil
}

func (p *LocalPublisher) ToOthers(_ context.Context, originConnID string, msg ws.Message) error {
	if err := p.hub.BroadcastExcept(func(connID string) bool { return connID == originConnID }, msg); err != nil {
		p.logger.Debug().Err(err).Str("type", msg.Type).Msg("broadcast partially delivered")
	}
	return nil
}
