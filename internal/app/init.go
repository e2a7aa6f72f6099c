package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/api"
	"github.com/nulpointcorp/inference-gateway/internal/blob"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/inference"
	"github.com/nulpointcorp/inference-gateway/internal/logwriter"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/inference-gateway/internal/providers/anthropic"
	azureprov "github.com/nulpointcorp/inference-gateway/internal/providers/azure"
	geminiprov "github.com/nulpointcorp/inference-gateway/internal/providers/gemini"
	localprov "github.com/nulpointcorp/inference-gateway/internal/providers/local"
	openaiprov "github.com/nulpointcorp/inference-gateway/internal/providers/openai"
	"github.com/nulpointcorp/inference-gateway/internal/query"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// initInfra opens the database and the blob store, and connects to Redis
// when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	db, err := store.Open(ctx, store.Config{
		Driver:       a.cfg.Database.Driver,
		DSN:          a.cfg.Database.URL,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
	}, a.log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("database: migrate: %w", err)
	}
	a.log.Info("database ready", slog.String("driver", db.Driver()))

	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := cache.DialRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	switch a.cfg.Blob.Mode {
	case "s3":
		s3 := a.cfg.Blob.S3
		blobs, err := blob.NewS3(blob.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("blob: %w", err)
		}
		a.blobs = blobs
		a.log.Info("blob store: s3", slog.String("endpoint", s3.Endpoint), slog.String("bucket", s3.Bucket))
	default:
		blobs, err := blob.NewFS(a.cfg.Blob.Dir)
		if err != nil {
			return fmt.Errorf("blob: %w", err)
		}
		a.blobs = blobs
		a.log.Info("blob store: filesystem", slog.String("dir", a.cfg.Blob.Dir))
	}

	return nil
}

// initServices creates the metrics registry, the cache-aside tier, the log
// writer, the query service and the event publisher.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var backend cache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		backend = cache.NewRedisCache(a.rdb, a.log)
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache: zero external dependencies, not shared across replicas.
		a.memCache = cache.NewMemoryCache(ctx)
		backend = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if backend != nil {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.aside = cache.NewAside(backend, el, a.prom.ObserveQueryCache, a.log)
	}

	a.logs = logwriter.New(a.db, a.blobs, logwriter.Options{
		BlobTimeout: a.cfg.Blob.Timeout,
		Observe:     a.prom.RecordLogWrite,
		Logger:      a.log,
	})

	a.queries = query.New(a.db, a.aside, a.logs, query.TTLs{
		Model:     a.cfg.Cache.TTLModel,
		ModelList: a.cfg.Cache.TTLModelList,
		Logs:      a.cfg.Cache.TTLLogs,
		Analytics: a.cfg.Cache.TTLAnalytics,
	})

	sinks := []events.Sink{events.NewSlogSink(a.log)}

	if a.cfg.Events.NATSURL != "" {
		a.log.Info("connecting to nats", slog.String("url", redactURL(a.cfg.Events.NATSURL)))
		ns, err := events.DialNATS(events.NATSConfig{
			URL:     a.cfg.Events.NATSURL,
			Stream:  a.cfg.Events.NATSStream,
			Subject: a.cfg.Events.NATSSubject,
		}, a.log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.natsSink = ns
		sinks = append(sinks, ns)
	}

	if a.cfg.Events.ClickHouseDSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.Events.ClickHouseDSN)))
		ch, err := events.DialClickHouse(ctx, a.cfg.Events.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.clickhouse = ch
		sinks = append(sinks, ch)
	}

	pub, err := events.New(a.baseCtx, events.Options{
		Logger:  a.log,
		Observe: a.prom.RecordEvents,
		OnDrop:  a.prom.RecordEventDropped,
	}, sinks...)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	a.publisher = pub

	return nil
}

// initInference registers the provider constructors and builds the
// dispatcher. Provider clients themselves are created lazily per credential.
func (a *App) initInference(_ context.Context) error {
	reg := providers.NewRegistry()
	reg.Register(providers.KindOpenAI, openaiprov.New)
	reg.Register(providers.KindAzure, azureprov.NewConstructor(a.cfg.Azure.APIVersion))
	reg.Register(providers.KindAnthropic, anthropicprov.New)
	reg.Register(providers.KindLocal, localprov.New)
	reg.Register(providers.KindGemini, geminiprov.New)

	a.log.Info("providers registered", slog.Any("providers", providers.Kinds()))

	resolver := inference.NewResolver(
		a.queries,
		reg,
		inference.NewInstances(a.cfg.Instances.Size, a.cfg.Instances.TTL),
		inference.ResolverOptions{
			Timeout: a.cfg.Timeouts.Provider,
			Metrics: a.prom,
			Logger:  a.log,
		},
	)

	a.dispatcher = inference.NewDispatcher(resolver, a.logs, inference.Options{
		ProviderTimeout: a.cfg.Timeouts.Provider,
		StreamTimeout:   a.cfg.Timeouts.Stream,
		LogCache:        a.queries,
		Events:          a.publisher,
		Metrics:         a.prom,
		Logger:          a.log,
	})

	return nil
}

// initAPI builds the HTTP server with its rate limiter and readiness checks.
func (a *App) initAPI(_ context.Context) error {
	opts := api.Options{
		Metrics:     a.prom,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
		ReadTimeout: 30 * time.Second,
	}

	// Rate limiting: shared across replicas when Redis is available.
	if rpm := a.cfg.RateLimit.RPMLimit; rpm > 0 {
		if a.rdb != nil {
			opts.Limiter = ratelimit.NewRPMLimiter(a.rdb, rpm, a.log)
		} else {
			opts.Limiter = ratelimit.NewMemoryLimiter(rpm)
		}
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", rpm), slog.Bool("shared", a.rdb != nil))
	}

	checks := []api.Check{
		{Name: "store", Probe: a.db.Ping},
		{Name: "blob", Probe: a.blobs.Ping},
		{Name: "cache"},
		{Name: "queue"},
	}
	if a.rdb != nil {
		rc := cache.NewRedisCache(a.rdb, a.log)
		checks[2].Probe = rc.Ping
	}
	if a.natsSink != nil {
		checks[3].Probe = a.natsSink.Ping
	}
	if a.clickhouse != nil {
		checks = append(checks, api.Check{Name: "analytics_sink", Probe: a.clickhouse.Ping})
	}
	opts.Readiness = api.NewReadiness(a.cfg.Timeouts.Probe, a.prom, a.log, checks...)

	a.server = api.New(a.baseCtx, a.dispatcher, a.queries, opts)
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
