package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ISyncLock keeps sync runs from overlapping. TryLock never blocks: ok is
// false while another run holds the lock.
type ISyncLock interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type MemorySyncLock struct {
	mu sync.Mutex
}

func (l *MemorySyncLock) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSyncLock is shared by every instance behind the same Redis. Unlike the
// login limiter it fails closed: a Redis error refuses the run.
type RedisSyncLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisSyncLock(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisSyncLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSyncLock{client: client, key: "workspace-sync:lock", ttl: ttl, logger: logger}
}

func (l *RedisSyncLock) TryLock(ctx context.Context) (release func(), ok bool, err error) {
	var token = uuid.NewString()
	if ok, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result(); err != nil || !ok {
		return
	}
	release = func() {
		var rctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if er1 := releaseScript.Run(rctx, l.client, []string{l.key}, token).Err(); er1 != nil && !errors.Is(er1, redis.Nil) {
			l.logger.Warn("sync lock release failed", slog.Any("err", er1))
		}
	}
	return
}
