package query

import (
	"context"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// Analytics aggregates the logs selected by f, cached for TTLs.Analytics.
// Pagination fields of f are ignored. An empty filter covers every log.
func (s *Service) Analytics(ctx context.Context, f store.LogFilter) (store.Summary, error) {
	f.AfterID, f.Limit = "", 0
	if err := validateLogFilter(f); err != nil {
		return store.Summary{}, err
	}
	return cache.Read(ctx, s.aside, PrefixAnalytics, f, s.ttl.Analytics,
		func(ctx context.Context) (store.Summary, error) {
			return s.store.Summarize(ctx, f)
		})
}
