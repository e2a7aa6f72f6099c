package query

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// GetModel returns the model with id, cached for TTLs.Model.
func (s *Service) GetModel(ctx context.Context, id string) (*store.Model, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.Validation("model id is required")
	}
	m, err := cache.Read(ctx, s.aside, PrefixModel, byID{ID: id}, s.ttl.Model,
		func(ctx context.Context) (store.Model, error) {
			m, err := s.store.GetModel(ctx, id)
			if err != nil {
				return store.Model{}, err
			}
			return *m, nil
		})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListModels returns one page of models, cached for TTLs.ModelList.
func (s *Service) ListModels(ctx context.Context, f store.ModelFilter) (store.Page[store.Model], error) {
	limit, err := store.NormalizeLimit(f.Limit)
	if err != nil {
		return store.Page[store.Model]{}, err
	}
	f.Limit = limit
	return cache.Read(ctx, s.aside, PrefixModelList, f, s.ttl.ModelList,
		func(ctx context.Context) (store.Page[store.Model], error) {
			return s.store.ListModels(ctx, f)
		})
}

// CreateModel validates and inserts m.
func (s *Service) CreateModel(ctx context.Context, m store.Model) (*store.Model, error) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return nil, errs.Validation("name is required")
	}
	if _, err := providers.ParseKind(m.Provider); err != nil {
		return nil, err
	}
	if err := checkCost("cost_input", m.CostInput); err != nil {
		return nil, err
	}
	if err := checkCost("cost_output", m.CostOutput); err != nil {
		return nil, err
	}
	m.ID = ""
	return s.store.CreateModel(ctx, m)
}

// UpdateModel applies p to model id and drops its cached entry.
func (s *Service) UpdateModel(ctx context.Context, id string, p store.ModelPatch) (*store.Model, error) {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, errs.Validation("name must not be empty")
		}
		p.Name = &name
	}
	if p.Provider != nil {
		if _, err := providers.ParseKind(*p.Provider); err != nil {
			return nil, err
		}
	}
	if p.CostInput != nil {
		if err := checkCost("cost_input", *p.CostInput); err != nil {
			return nil, err
		}
	}
	if p.CostOutput != nil {
		if err := checkCost("cost_output", *p.CostOutput); err != nil {
			return nil, err
		}
	}

	m, err := s.store.UpdateModel(ctx, id, p)
	if err != nil {
		return nil, err
	}
	_ = s.aside.Invalidate(ctx, PrefixModel, byID{ID: id})
	return m, nil
}

var maxCost = decimal.RequireFromString("999999.9999")

// checkCost enforces the decimal(10,4) column range.
func checkCost(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return errs.Validation("%s must not be negative", field)
	}
	if v.GreaterThan(maxCost) {
		return errs.Validation("%s exceeds %s", field, maxCost)
	}
	if !v.Equal(v.Round(4)) {
		return errs.Validation("%s allows at most 4 decimal places", field)
	}
	return nil
}
