// Package api is the HTTP surface of the gateway: inference dispatch, the
// models/logs/analytics read-write endpoints and the health probes.
//
// Handlers translate between JSON and the inference and query layers; every
// domain failure is rendered through apierr so the status mapping lives in
// one place.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/inference"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 60 * time.Second

	// maxBodySize bounds request bodies; inference prompts are the largest.
	maxBodySize = 8 << 20
)

// Dispatcher runs inference requests; *inference.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cred inference.Credential, req *inference.Request) (*inference.Response, error)
	DispatchStream(ctx context.Context, cred inference.Credential, req *inference.Request) (*inference.Stream, error)
}

// Queries serves the models, logs and analytics endpoints; *query.Service
// satisfies it.
type Queries interface {
	GetModel(ctx context.Context, id string) (*store.Model, error)
	ListModels(ctx context.Context, f store.ModelFilter) (store.Page[store.Model], error)
	CreateModel(ctx context.Context, m store.Model) (*store.Model, error)
	UpdateModel(ctx context.Context, id string, p store.ModelPatch) (*store.Model, error)

	GetLog(ctx context.Context, id string) (*store.Log, error)
	ListLogs(ctx context.Context, f store.LogFilter) (store.Page[store.Log], error)
	LogData(ctx context.Context, id string) (json.RawMessage, error)
	CreateLog(ctx context.Context, l store.Log) (*store.Log, error)
	UpdateLog(ctx context.Context, id string, p store.LogPatch) (*store.Log, error)

	Analytics(ctx context.Context, f store.LogFilter) (store.Summary, error)
}

// Options holds the optional collaborators of a Server.
type Options struct {
	// Limiter enforces the per-credential RPM budget on POST /inference.
	// Nil disables rate limiting.
	Limiter ratelimit.Limiter

	// Readiness backs /readyz and /healthz. Nil reports healthy with no checks.
	Readiness *Readiness

	// Metrics enables Prometheus metrics and GET /metrics. Nil disables both.
	Metrics *metrics.Registry

	Logger *slog.Logger

	// CORSOrigins lists allowed origins; empty or ["*"] allows all.
	CORSOrigins []string

	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server owns the router and the fasthttp server.
type Server struct {
	dispatcher Dispatcher
	queries    Queries
	limiter    ratelimit.Limiter
	readiness  *Readiness
	metrics    *metrics.Registry
	log        *slog.Logger

	// baseCtx parents work that outlives a handler call (SSE writers).
	baseCtx     context.Context
	corsOrigins []string
	version     string
	startedAt   time.Time

	srv *fasthttp.Server
}

// New creates a Server. baseCtx must not be nil; cancelling it aborts
// in-flight streams.
func New(baseCtx context.Context, d Dispatcher, q Queries, opts Options) *Server {
	if baseCtx == nil {
		panic("api: context must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		dispatcher:  d,
		queries:     q,
		limiter:     opts.Limiter,
		readiness:   opts.Readiness,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		baseCtx:     baseCtx,
		corsOrigins: opts.CORSOrigins,
		version:     opts.Version,
		startedAt:   time.Now(),
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "inference-gateway",
		ReadTimeout:        opts.ReadTimeout,
		WriteTimeout:       opts.WriteTimeout,
		MaxRequestBodySize: maxBodySize,
	}
	return s
}

// Handler builds the routed, middleware-wrapped request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/inference", s.observe("/inference", s.handleInference))

	r.GET("/models", s.observe("/models", s.handleListModels))
	r.POST("/models", s.observe("/models", s.handleCreateModel))
	r.GET("/models/{id}", s.observe("/models/{id}", s.handleGetModel))
	r.PATCH("/models/{id}", s.observe("/models/{id}", s.handleUpdateModel))

	r.GET("/logs", s.observe("/logs", s.handleListLogs))
	r.POST("/logs", s.observe("/logs", s.handleCreateLog))
	r.GET("/logs/{id}", s.observe("/logs/{id}", s.handleGetLog))
	r.PATCH("/logs/{id}", s.observe("/logs/{id}", s.handleUpdateLog))
	r.GET("/logs/{id}/data", s.observe("/logs/{id}/data", s.handleLogData))

	r.POST("/analytics", s.observe("/analytics", s.handleAnalytics))

	r.GET("/livez", s.handleLivez)
	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// ListenAndServe serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for open ones to finish or
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// decodeBody unmarshals the request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(ctx *fasthttp.RequestCtx, v any, allowEmpty bool) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		if allowEmpty {
			return nil
		}
		return errs.Validation("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Validation("invalid JSON: %s", err.Error())
	}
	return nil
}

func pathID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("id").(string)
	return id
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}
