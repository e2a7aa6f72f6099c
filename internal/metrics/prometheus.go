// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_dispatch_total{provider,mode,outcome}
	dispatchTotal *prometheus.CounterVec

	// gateway_dispatch_duration_seconds{provider,mode,outcome}
	dispatchDuration *prometheus.HistogramVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_query_cache_total{prefix,result}
	queryCache *prometheus.CounterVec

	// gateway_provider_instances_total{result}
	instances *prometheus.CounterVec

	// gateway_log_writes_total{outcome}
	logWrites *prometheus.CounterVec

	// gateway_events_total{sink,result}
	events *prometheus.CounterVec

	// gateway_events_dropped_total
	eventsDropped prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_readiness{check}: 1=ok, 0=failing
	readiness *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Inference dispatches by provider, mode and outcome",
			},
			[]string{"provider", "mode", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "mode", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		queryCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_query_cache_total",
				Help: "Cache-aside lookups by key prefix and result",
			},
			[]string{"prefix", "result"},
		),

		instances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_instances_total",
				Help: "Provider instance cache lookups and evictions",
			},
			[]string{"result"},
		),

		logWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_log_writes_total",
				Help: "Log completion attempts by outcome",
			},
			[]string{"outcome"},
		),

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_total",
				Help: "Log events delivered to sinks",
			},
			[]string{"sink", "result"},
		),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Log events dropped because the publisher buffer was full",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		readiness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_readiness",
				Help: "Result of the last readiness check per backend (1=ok, 0=failing)",
			},
			[]string{"check"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.dispatchTotal,
		r.dispatchDuration,
		r.tokensTotal,
		r.queryCache,
		r.instances,
		r.logWrites,
		r.events,
		r.eventsDropped,
		r.rateLimitTotal,
		r.readiness,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveDispatch records one provider call. mode is "sync" or "stream".
func (r *Registry) ObserveDispatch(provider, mode, outcome string, dur time.Duration) {
	r.dispatchTotal.WithLabelValues(provider, mode, outcome).Inc()
	r.dispatchDuration.WithLabelValues(provider, mode, outcome).Observe(dur.Seconds())
}

func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(completionTokens))
	}
	if promptTokens+completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "total").Add(float64(promptTokens + completionTokens))
	}
}

// ObserveQueryCache has the signature of cache.Observer.
func (r *Registry) ObserveQueryCache(prefix string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.queryCache.WithLabelValues(prefix, result).Inc()
}

func (r *Registry) InstanceHit()   { r.instances.WithLabelValues("hit").Inc() }
func (r *Registry) InstanceMiss()  { r.instances.WithLabelValues("miss").Inc() }
func (r *Registry) InstanceEvict() { r.instances.WithLabelValues("evict").Inc() }

func (r *Registry) RecordLogWrite(outcome string) {
	r.logWrites.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordEvents(sink string, n int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.events.WithLabelValues(sink, result).Add(float64(n))
}

func (r *Registry) RecordEventDropped() { r.eventsDropped.Inc() }

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetReadiness(check string, ok bool) {
	if ok {
		r.readiness.WithLabelValues(check).Set(1)
		return
	}
	r.readiness.WithLabelValues(check).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
