package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLockNotAcquired is returned when a game-mode lock stays busy past the wait budget.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker serializes matchmaking per key (one key per game mode).
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex that honors context cancellation.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates a keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedisLockerOptions tunes the distributed lock.
type RedisLockerOptions struct {
	TTL           time.Duration // lock expiry, default 5s
	RetryInterval time.Duration // default 50ms
	MaxWait       time.Duration // default 3s
}

// RedisLocker is a SETNX lock shared by every instance that points at the same Redis.
type RedisLocker struct {
	redis  *redis.Client
	logger zerolog.Logger
	opts   RedisLockerOptions
}

// releaseScript deletes the key only when we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// NewRedisLocker creates a distributed game-mode lock.
func NewRedisLocker(client *redis.Client, opts RedisLockerOptions, logger zerolog.Logger) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 3 * time.Second
	}
	return &RedisLocker{
		redis:  client,
		logger: logger.With().Str("component", "matchmaking_lock").Logger(),
		opts:   opts,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	value := uuid.NewString()
	deadline := time.Now().Add(l.opts.MaxWait)

	for {
		acquired, err := l.redis.SetNX(ctx, key, value, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.opts.RetryInterval):
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.redis, []string{key}, value).Err(); err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("release lock failed")
			}
		})
	}
	return unlock, nil
}
