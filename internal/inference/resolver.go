// Package inference resolves models to provider instances and dispatches
// completion requests, recording every request through the log writer.
package inference

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// InstancePrefix namespaces provider instance keys.
const InstancePrefix = "inference:"

// ModelReader looks up models; query.Service satisfies it with caching.
type ModelReader interface {
	GetModel(ctx context.Context, id string) (*store.Model, error)
}

// Credential is the caller-supplied key and optional endpoint override.
type Credential struct {
	APIKey  string
	BaseURL string
}

// Resolved pairs a model with the provider instance serving it.
type Resolved struct {
	Model    *store.Model
	Kind     providers.Kind
	Provider providers.Provider
}

// Resolver maps (model, credential) to a reusable provider instance.
type Resolver struct {
	models    ModelReader
	registry  *providers.Registry
	instances *Instances
	timeout   time.Duration
	metrics   *metrics.Registry
	log       *slog.Logger
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Timeout is passed to providers as the header wait bound.
	Timeout time.Duration
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

func NewResolver(models ModelReader, registry *providers.Registry, instances *Instances, opts ResolverOptions) *Resolver {
	if instances == nil {
		instances = NewInstances(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Resolver{
		models:    models,
		registry:  registry,
		instances: instances,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
	if r.metrics != nil {
		instances.onEvict = r.metrics.InstanceEvict
	}
	return r
}

// InstanceKey is the instance cache key for the exact (model, key, base URL)
// tuple.
func InstanceKey(modelID string, cred Credential) (string, error) {
	return cache.Key(InstancePrefix, struct {
		ModelID string `json:"model_id"`
		APIKey  string `json:"api_key"`
		BaseURL string `json:"base_url"`
	}{modelID, cred.APIKey, cred.BaseURL})
}

// Resolve returns the model and a provider instance for cred. An unknown
// model or unsupported provider tag fails before the instance cache is
// touched. A cached instance built from an older revision of the model is
// replaced.
func (r *Resolver) Resolve(ctx context.Context, modelID string, cred Credential) (*Resolved, error) {
	m, err := r.models.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	kind, err := providers.ParseKind(m.Provider)
	if err != nil {
		return nil, err
	}

	key, err := InstanceKey(modelID, cred)
	if err != nil {
		return nil, err
	}
	if p, version, ok := r.instances.Get(key); ok && version.Equal(m.UpdatedAt) {
		if r.metrics != nil {
			r.metrics.InstanceHit()
		}
		return &Resolved{Model: m, Kind: kind, Provider: p}, nil
	}
	if r.metrics != nil {
		r.metrics.InstanceMiss()
	}

	p, err := r.registry.Build(kind, r.providerConfig(m, cred))
	if err != nil {
		return nil, err
	}
	r.instances.Put(key, p, m.UpdatedAt)

	r.log.DebugContext(ctx, "provider_instance_built",
		slog.String("model_id", m.ID),
		slog.String("provider", string(kind)),
	)
	return &Resolved{Model: m, Kind: kind, Provider: p}, nil
}

// providerConfig prefers the caller's base URL over one stored in the
// model's config.
func (r *Resolver) providerConfig(m *store.Model, cred Credential) providers.Config {
	opts := map[string]any(m.Config)
	baseURL := strings.TrimSpace(cred.BaseURL)
	if baseURL == "" {
		if s, ok := opts["base_url"].(string); ok {
			baseURL = strings.TrimSpace(s)
		}
	}
	return providers.Config{
		Credential: cred.APIKey,
		BaseURL:    baseURL,
		Model:      m.Name,
		Timeout:    r.timeout,
		Options:    opts,
	}
}
