package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Key derives the cache key for a read: prefix followed by the hex SHA-256
// of the canonical JSON form of params. Object keys are sorted at every
// depth, so maps that differ only in insertion order share a key.
func Key(prefix string, params any) (string, error) {
	canonical, err := Canonical(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return prefix + hex.EncodeToString(sum[:]), nil
}

// Canonical re-encodes params through a generic value so struct field order
// and map iteration order do not leak into the output. Numbers keep their
// literal text.
func Canonical(params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("cache: encode params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("cache: decode params: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("cache: encode canonical params: %w", err)
	}
	return out, nil
}

// Observer is notified of every cache-aside lookup.
type Observer func(prefix string, hit bool)

// Aside runs cache-aside reads against a Cache. A nil *Aside, or one with a
// nil Cache, reads straight through to the loader.
type Aside struct {
	cache   Cache
	exclude *ExclusionList
	observe Observer
	log     *slog.Logger
}

// NewAside builds an Aside. exclude and observe may be nil.
func NewAside(c Cache, exclude *ExclusionList, observe Observer, log *slog.Logger) *Aside {
	if log == nil {
		log = slog.Default()
	}
	return &Aside{cache: c, exclude: exclude, observe: observe, log: log}
}

func (a *Aside) enabled(prefix string) bool {
	return a != nil && a.cache != nil && !a.exclude.Excludes(prefix)
}

// Read returns the cached value for (prefix, params) or calls load, stores
// its result for ttl and returns it. Loader errors are returned unchanged
// and never cached. A cached entry that fails to decode counts as a miss.
func Read[T any](ctx context.Context, a *Aside, prefix string, params any, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if !a.enabled(prefix) {
		return load(ctx)
	}

	key, err := Key(prefix, params)
	if err != nil {
		var zero T
		return zero, err
	}

	if raw, ok := a.cache.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			a.record(prefix, true)
			return v, nil
		}
		a.log.WarnContext(ctx, "cache_decode_error", slog.String("key", key))
	}
	a.record(prefix, false)

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		a.log.WarnContext(ctx, "cache_encode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return v, nil
	}
	_ = a.cache.Set(ctx, key, raw, ttl)
	return v, nil
}

// Invalidate removes the entry for (prefix, params).
func (a *Aside) Invalidate(ctx context.Context, prefix string, params any) error {
	if a == nil || a.cache == nil {
		return nil
	}
	key, err := Key(prefix, params)
	if err != nil {
		return err
	}
	return a.cache.Delete(ctx, key)
}

func (a *Aside) record(prefix string, hit bool) {
	if a.observe != nil {
		a.observe(prefix, hit)
	}
}
