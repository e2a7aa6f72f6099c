package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

const (
	DefaultProbeTimeout = 2 * time.Second

	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// Check is one backend probe. A nil Probe always passes; it stands for a
// backend that is not configured.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Report is the body of /readyz.
type Report struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == statusHealthy }

// Readiness runs each check once per call, concurrently, bounded by timeout
// and never retried. Probe failures become false in the report.
type Readiness struct {
	checks  []Check
	timeout time.Duration
	metrics *metrics.Registry
	log     *slog.Logger
}

func NewReadiness(timeout time.Duration, met *metrics.Registry, log *slog.Logger, checks ...Check) *Readiness {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Readiness{checks: checks, timeout: timeout, metrics: met, log: log}
}

// Run probes every backend and aggregates the results.
func (r *Readiness) Run(ctx context.Context) Report {
	rep := Report{Status: statusHealthy, Checks: map[string]bool{}}
	if r == nil {
		return rep
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range r.checks {
		g.Go(func() error {
			ok := r.probe(ctx, c)
			mu.Lock()
			rep.Checks[c.Name] = ok
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	for name, ok := range rep.Checks {
		if r.metrics != nil {
			r.metrics.SetReadiness(name, ok)
		}
		if !ok {
			rep.Status = statusDegraded
		}
	}
	return rep
}

func (r *Readiness) probe(ctx context.Context, c Check) bool {
	if c.Probe == nil {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := c.Probe(pctx); err != nil {
		r.log.WarnContext(ctx, "readiness_check_failed",
			slog.String("check", c.Name),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *Server) handleLivez(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(ctx *fasthttp.RequestCtx) {
	rep := s.readiness.Run(s.baseCtx)
	status := fasthttp.StatusOK
	if !rep.Healthy() {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, rep)
}

// handleHealthz reports the readiness checks plus build and uptime. It is
// informational and always answers 200.
func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	rep := s.readiness.Run(s.baseCtx)
	writeJSON(ctx, fasthttp.StatusOK, struct {
		Report
		Version       string `json:"version"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}{
		Report:        rep,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}
