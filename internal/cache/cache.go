// Package cache holds the read-through cache tier used by the query layer.
//
// Backends:
//   - RedisCache: shared between replicas.
//   - MemoryCache: in-process, for single-instance deployments and tests.
//
// Cache failures never fail a read: Get reports a miss and Set swallows the
// error after logging it.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented TTL key/value store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by backends with a remote dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}
