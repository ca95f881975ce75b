package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	ws "github.com/fifthgg/matchmaking/pkg/http/ws"
)

// DefaultChannel is the Pub/Sub channel for cross-instance session events.
const DefaultChannel = "matchmaking:events"

// envelope is the Pub/Sub wire form of one fan-out.
type envelope struct {
	UserIDs []uuid.UUID `json:"user_ids,omitempty"`
	Except  string      `json:"except,omitempty"`
	All     bool        `json:"all,omitempty"`
	Message ws.Message  `json:"message"`
}

// RedisPublisher publishes fan-outs so every instance's Relay can deliver to
// the users connected there.
type RedisPublisher struct {
	redis   *redis.Client
	channel string
}

// NewRedisPublisher creates a Pub/Sub backed publisher.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{redis: client, channel: channel}
}

func (p *RedisPublisher) ToUsers(ctx context.Context, userIDs []uuid.UUID, msg ws.Message) error {
	return p.publish(ctx, envelope{UserIDs: userIDs, Message: msg})
}

func (p *RedisPublisher) ToOthers(ctx context.Context, originConnID string, msg ws.Message) error {
	return p.publish(ctx, envelope{All: true, Except: originConnID, Message: msg})
}

func (p *RedisPublisher) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay listens for published fan-outs and hands them to the local publisher.
type Relay struct {
	redis   *redis.Client
	local   Publisher
	channel string
	logger  zerolog.Logger
}

// NewRelay creates a Pub/Sub relay for this instance.
func NewRelay(client *redis.Client, local Publisher, channel string, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		redis:   client,
		local:   local,
		channel: channel,
		logger:  logger.With().Str("component", "session_relay").Logger(),
	}
}

// Run subscribes to the event channel and blocks until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if r.redis == nil || r.local == nil {
		return nil
	}

	sub := r.redis.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg.Payload)
		}
	}
}

func (r *Relay) forward(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("failed to decode session event")
		return
	}

	var err error
	if env.All {
		err = r.local.ToOthers(ctx, env.Except, env.Message)
	} else {
		err = r.local.ToUsers(ctx, env.UserIDs, env.Message)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("type", env.Message.Type).Msg("failed to deliver session event")
	}
}
