package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/itbasis/go-clock"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix keeps every pool key in one cluster slot.
const DefaultRedisPrefix = "{matchmaking}:ready"

// RedisStore keeps the ready pool in Redis so several instances share one queue.
//
// Layout: <prefix>:entries hash (user -> JSON entry), <prefix>:stamps hash
// (user -> game mode + ready time, used by Claim), <prefix>:order sorted set
// (user scored by ready time in microseconds), <prefix>:holds hash (user ->
// stamp of a claim that has not been released or restored).
type RedisStore struct {
	redis   *redis.Client
	clock   clock.Clock
	entries string
	stamps  string
	order   string
	holds   string
}

var _ Store = (*RedisStore)(nil)

// claimScript deletes every listed user and records a hold, only when all
// stamps still match.
var claimScript = redis.NewScript(`
	for i = 1, #ARGV, 2 do
		if redis.call("HGET", KEYS[2], ARGV[i]) ~= ARGV[i + 1] then
			return 0
		end
	end
	for i = 1, #ARGV, 2 do
		redis.call("HDEL", KEYS[1], ARGV[i])
		redis.call("HDEL", KEYS[2], ARGV[i])
		redis.call("ZREM", KEYS[3], ARGV[i])
		redis.call("HSET", KEYS[4], ARGV[i], ARGV[i + 1])
	end
	return 1
`)

// restoreScript re-adds held entries for users that have not declared again.
var restoreScript = redis.NewScript(`
	local restored = 0
	for i = 1, #ARGV, 4 do
		local held = redis.call("HGET", KEYS[4], ARGV[i]) == ARGV[i + 2]
		if held then
			redis.call("HDEL", KEYS[4], ARGV[i])
		end
		if held and redis.call("HEXISTS", KEYS[1], ARGV[i]) == 0 then
			redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
			redis.call("HSET", KEYS[2], ARGV[i], ARGV[i + 2])
			redis.call("ZADD", KEYS[3], ARGV[i + 3], ARGV[i])
			restored = restored + 1
		end
	end
	return restored
`)

// NewRedisStore creates a Redis-backed pool. Empty prefix uses DefaultRedisPrefix;
// a nil clock uses wall time.
func NewRedisStore(client *redis.Client, prefix string, c clock.Clock) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if c == nil {
		c = clock.New()
	}
	return &RedisStore{
		redis:   client,
		clock:   c,
		entries: prefix + ":entries",
		stamps:  prefix + ":stamps",
		order:   prefix + ":order",
		holds:   prefix + ":holds",
	}
}

func (s *RedisStore) keys() []string { return []string{s.entries, s.stamps, s.order, s.holds} }

func stamp(e Entry) string {
	return e.GameMode + "\x00" + strconv.FormatInt(e.ReadyAt.UnixNano(), 10)
}

func score(e Entry) float64 { return float64(e.ReadyAt.UnixMicro()) }

func (s *RedisStore) Set(ctx context.Context, entry Entry) (Entry, error) {
	entry.ReadyAt = s.clock.Now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	user := entry.UserID.String()
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entries, user, data)
		pipe.HSet(ctx, s.stamps, user, stamp(entry))
		pipe.ZAdd(ctx, s.order, redis.Z{Score: score(entry), Member: user})
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("set entry: %w", err)
	}
	return entry, nil
}

func (s *RedisStore) Get(ctx context.Context, userID uuid.UUID) (*Entry, error) {
	data, err := s.redis.HGet(ctx, s.entries, userID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) Remove(ctx context.Context, userID uuid.UUID) error {
	user := userID.String()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.entries, user)
		pipe.HDel(ctx, s.stamps, user)
		pipe.ZRem(ctx, s.order, user)
		pipe.HDel(ctx, s.holds, user)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	return nil
}

func (s *RedisStore) ListReady(ctx context.Context, gameMode string) ([]Entry, error) {
	users, err := s.redis.ZRange(ctx, s.order, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list order: %w", err)
	}
	if len(users) == 0 {
		return []Entry{}, nil
	}

	values, err := s.redis.HMGet(ctx, s.entries, users...).Result()
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	out := make([]Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Removed between ZRANGE and HMGET.
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		if gameMode == "" || entry.GameMode == gameMode {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *RedisStore) Claim(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		args = append(args, e.UserID.String(), stamp(e))
	}

	ok, err := claimScript.Run(ctx, s.redis, s.keys(), args...).Int()
	if err != nil {
		return fmt.Errorf("claim entries: %w", err)
	}
	if ok == 0 {
		return ErrStaleClaim
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.UserID.String())
	}
	if err := s.redis.HDel(ctx, s.holds, users...).Err(); err != nil {
		return fmt.Errorf("release holds: %w", err)
	}
	return nil
}

func (s *RedisStore) Restore(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, len(entries)*4)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		args = append(args, e.UserID.String(), data, stamp(e), score(e))
	}

	if err := restoreScript.Run(ctx, s.redis, s.keys(), args...).Err(); err != nil {
		return fmt.Errorf("restore entries: %w", err)
	}
	return nil
}
