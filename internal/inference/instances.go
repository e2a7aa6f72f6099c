package inference

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	DefaultInstanceCacheSize = 100
	DefaultInstanceCacheTTL  = time.Hour
)

type instance struct {
	provider providers.Provider
	// version is the UpdatedAt of the model the instance was built from.
	version time.Time
	expires time.Time
}

// Instances is a bounded LRU of constructed providers with a per-entry
// lifetime. It is safe for concurrent use; the last Put for a key wins.
type Instances struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time

	onEvict func()
}

// NewInstances returns a cache holding at most size entries for ttl each.
// Non-positive values select the defaults.
func NewInstances(size int, ttl time.Duration) *Instances {
	if size <= 0 {
		size = DefaultInstanceCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultInstanceCacheTTL
	}
	c := &Instances{lru: lru.New(size), ttl: ttl, now: time.Now}
	c.lru.OnEvicted = func(lru.Key, interface{}) {
		if c.onEvict != nil {
			c.onEvict()
		}
	}
	return c
}

// Get returns the live entry for key.
func (c *Instances) Get(key string) (providers.Provider, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		return nil, time.Time{}, false
	}
	e := v.(instance)
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		return nil, time.Time{}, false
	}
	return e.provider, e.version, true
}

// Put stores p under key, evicting the least recently used entry when full.
func (c *Instances) Put(key string, p providers.Provider, version time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, instance{provider: p, version: version, expires: c.now().Add(c.ttl)})
}

// Len returns the number of entries, expired ones included.
func (c *Instances) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
