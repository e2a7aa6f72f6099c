// Package query is the read/write service layer behind the models, logs and
// analytics endpoints. Reads go through the cache-aside layer; writes go to
// the store and drop the affected single-entity cache entry.
package query

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// Cache key prefixes. Each prefix is a separate namespace for
// CACHE_EXCLUDE_* rules and hit/miss metrics.
const (
	PrefixModel     = "models:"
	PrefixModelList = "models:list:"
	PrefixLog       = "logs:"
	PrefixLogList   = "logs:list:"
	PrefixAnalytics = "analytics:"
)

// TTLs holds the cache lifetime of each read.
type TTLs struct {
	Model     time.Duration
	ModelList time.Duration
	Logs      time.Duration
	Analytics time.Duration
}

// DefaultTTLs returns the standard read lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Model:     15 * time.Second,
		ModelList: 30 * time.Second,
		Logs:      60 * time.Second,
		Analytics: 60 * time.Second,
	}
}

func (t TTLs) withDefaults() TTLs {
	d := DefaultTTLs()
	if t.Model <= 0 {
		t.Model = d.Model
	}
	if t.ModelList <= 0 {
		t.ModelList = d.ModelList
	}
	if t.Logs <= 0 {
		t.Logs = d.Logs
	}
	if t.Analytics <= 0 {
		t.Analytics = d.Analytics
	}
	return t
}

// Store is the persistence surface the service needs; *store.DB satisfies it.
type Store interface {
	GetModel(ctx context.Context, id string) (*store.Model, error)
	ListModels(ctx context.Context, f store.ModelFilter) (store.Page[store.Model], error)
	CreateModel(ctx context.Context, m store.Model) (*store.Model, error)
	UpdateModel(ctx context.Context, id string, p store.ModelPatch) (*store.Model, error)

	GetLog(ctx context.Context, id string) (*store.Log, error)
	ListLogs(ctx context.Context, f store.LogFilter) (store.Page[store.Log], error)
	CreateLog(ctx context.Context, l store.Log) (*store.Log, error)
	UpdateLog(ctx context.Context, id string, p store.LogPatch) (*store.Log, error)

	Summarize(ctx context.Context, f store.LogFilter) (store.Summary, error)
}

// PayloadReader fetches the stored request/response document of a log.
type PayloadReader interface {
	ReadPayload(ctx context.Context, ref string) (json.RawMessage, error)
}

// Service implements the model, log and analytics operations.
type Service struct {
	store    Store
	aside    *cache.Aside
	payloads PayloadReader
	ttl      TTLs
}

// New returns a Service. aside may be nil to disable caching.
func New(st Store, aside *cache.Aside, payloads PayloadReader, ttl TTLs) *Service {
	return &Service{
		store:    st,
		aside:    aside,
		payloads: payloads,
		ttl:      ttl.withDefaults(),
	}
}

type byID struct {
	ID string `json:"id"`
}
