package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_Expiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewMemoryCache(ctx)
	defer c.Close()

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	now = now.Add(10 * time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry must expire at its deadline")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len = %d", c.Len())
	}
}

func TestMemoryCache_Sweep(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	_ = c.Set(context.Background(), "short", []byte("a"), time.Second)
	_ = c.Set(context.Background(), "long", []byte("b"), time.Hour)

	now = now.Add(time.Minute)
	c.sweep()

	if c.Len() != 1 {
		t.Fatalf("Len = %d after sweep, want 1", c.Len())
	}
	if _, ok := c.Get(context.Background(), "long"); !ok {
		t.Error("unexpired entry was swept")
	}
}

func TestMemoryCache_CloseTwice(t *testing.T) {
	c := NewMemoryCache(context.Background())
	c.Close()
	c.Close()
}
