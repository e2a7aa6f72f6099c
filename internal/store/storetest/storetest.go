// Package storetest opens migrated sqlite databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// New returns a migrated sqlite database in a temp dir, closed on cleanup.
func New(t testing.TB) *store.DB {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "gateway.db"),
	}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
