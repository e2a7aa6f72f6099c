// Package ratelimit implements per-credential requests-per-minute limiting.
// The Redis limiter uses a sliding window counter with an atomic Lua script;
// the memory limiter serves single-instance deployments without Redis.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const (
	keyPrefix = "ratelimit:rpm:"

	// memoryKeys bounds the number of credentials tracked in memory.
	memoryKeys = 10_000
)

// Limiter decides whether one more request for a credential fits the budget.
type Limiter interface {
	Allow(ctx context.Context, credential string) (bool, error)
}

// Key is the limiter key for a credential. The raw key never leaves the
// process.
func Key(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// RPMLimiter checks a per-credential requests-per-minute limit using a Redis
// sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	log      *slog.Logger
}

// NewRPMLimiter creates a new RPMLimiter with the given per-credential RPM
// limit. rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, log *slog.Logger) *RPMLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, log: log}
}

// Allow returns true if the current request is within the rate limit.
func (r *RPMLimiter) Allow(ctx context.Context, credential string) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{Key(credential)},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the request.
		r.log.WarnContext(ctx, "ratelimit_degraded", slog.String("error", err.Error()))
		return true, nil
	}

	return result == 1, nil
}

// MemoryLimiter is a token bucket per credential refilled at rpmLimit per
// minute with a burst of rpmLimit.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  *lru.Cache
	rpmLimit int
}

func NewMemoryLimiter(rpmLimit int) *MemoryLimiter {
	return &MemoryLimiter{buckets: lru.New(memoryKeys), rpmLimit: rpmLimit}
}

func (m *MemoryLimiter) Allow(_ context.Context, credential string) (bool, error) {
	if m.rpmLimit <= 0 {
		return false, nil
	}
	key := Key(credential)

	m.mu.Lock()
	var l *rate.Limiter
	if v, ok := m.buckets.Get(key); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(m.rpmLimit)), m.rpmLimit)
		m.buckets.Add(key, l)
	}
	m.mu.Unlock()

	return l.Allow(), nil
}
