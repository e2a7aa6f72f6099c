// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    : database, Redis when needed, blob store
//  2. initServices : metrics registry, cache-aside tier, event sinks
//  3. initInference: provider registry, resolver, dispatcher
//  4. initAPI      : HTTP routes, rate limiter, readiness checks
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/api"
	"github.com/nulpointcorp/inference-gateway/internal/blob"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/inference"
	"github.com/nulpointcorp/inference-gateway/internal/logwriter"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/query"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db    *store.DB
	blobs blob.Store

	// Optional external connections: nil when not configured.
	rdb        *redis.Client
	natsSink   *events.NATSSink
	clickhouse *events.ClickHouseSink

	memCache  *cache.MemoryCache
	aside     *cache.Aside
	publisher *events.Publisher
	prom      *metrics.Registry

	logs       *logwriter.Writer
	queries    *query.Service
	dispatcher *inference.Dispatcher
	server     *api.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"inference", a.initInference},
		{"api", a.initAPI},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. In-flight requests get Timeouts.Shutdown to finish; the app is
// closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Addr()

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("database", a.db.Driver()),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("blob_mode", a.cfg.Blob.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.ListenAndServe(addr); err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Timeouts.Shutdown)
		defer cancel()
		a.log.Info("shutting down", slog.Duration("timeout", a.cfg.Timeouts.Shutdown))
		if err := a.server.Shutdown(shutCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	// The publisher flushes into the sinks, so it closes first.
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Error("event publisher close error", slog.String("error", err.Error()))
		}
	}
	if a.natsSink != nil {
		if err := a.natsSink.Close(); err != nil {
			a.log.Error("nats close error", slog.String("error", err.Error()))
		}
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("database close error", slog.String("error", err.Error()))
		}
	}
}

// Server returns the wired HTTP server.
func (a *App) Server() *api.Server {
	return a.server
}
