package httpapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ILoginLimiter counts login attempts per key (client IP).
type ILoginLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// RedisLoginLimiter is a fixed window counter shared by every instance.
// Storage errors allow the attempt: a broken Redis must not lock admins out
// of connecting Workspace.
type RedisLoginLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisLoginLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RedisLoginLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLoginLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: "workspace-sync:login:",
		logger: logger,
	}
}

func (l *RedisLoginLimiter) Allow(ctx context.Context, key string) bool {
	var k = l.prefix + key
	var pipe = l.client.TxPipeline()
	var incr = pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("login limiter unavailable, allowing attempt", slog.String("key", key), slog.Any("err", err))
		return true
	}
	return incr.Val() <= l.limit
}

// MemoryLoginLimiter keeps one token bucket per key in process. Used when no
// Redis is configured; buckets idle for longer than a window are dropped.
type MemoryLoginLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewMemoryLoginLimiter(limit int, window time.Duration) *MemoryLoginLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryLoginLimiter{
		buckets: make(map[string]*bucket),
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    window,
		now:     time.Now,
	}
}

func (l *MemoryLoginLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var now = l.now()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.idle {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
