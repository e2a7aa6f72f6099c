package query

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// GetLog returns the log with id, cached for TTLs.Logs.
func (s *Service) GetLog(ctx context.Context, id string) (*store.Log, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.Validation("log id is required")
	}
	l, err := cache.Read(ctx, s.aside, PrefixLog, byID{ID: id}, s.ttl.Logs,
		func(ctx context.Context) (store.Log, error) {
			l, err := s.store.GetLog(ctx, id)
			if err != nil {
				return store.Log{}, err
			}
			return *l, nil
		})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLogs returns one page of logs, cached for TTLs.Logs.
func (s *Service) ListLogs(ctx context.Context, f store.LogFilter) (store.Page[store.Log], error) {
	limit, err := store.NormalizeLimit(f.Limit)
	if err != nil {
		return store.Page[store.Log]{}, err
	}
	f.Limit = limit
	if err := validateLogFilter(f); err != nil {
		return store.Page[store.Log]{}, err
	}
	return cache.Read(ctx, s.aside, PrefixLogList, f, s.ttl.Logs,
		func(ctx context.Context) (store.Page[store.Log], error) {
			return s.store.ListLogs(ctx, f)
		})
}

// LogData returns the stored request/response document of log id. A log
// without an object reference reports NotFound for entity "log data".
func (s *Service) LogData(ctx context.Context, id string) (json.RawMessage, error) {
	l, err := s.store.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.ObjectReference == nil || *l.ObjectReference == "" {
		return nil, errs.NotFound("log data", id)
	}
	if s.payloads == nil {
		return nil, errs.NotFound("log data", id)
	}
	return s.payloads.ReadPayload(ctx, *l.ObjectReference)
}

// CreateLog validates and inserts l for callers that record requests made
// outside the gateway.
func (s *Service) CreateLog(ctx context.Context, l store.Log) (*store.Log, error) {
	if strings.TrimSpace(l.Model) == "" {
		return nil, errs.Validation("model is required")
	}
	if _, err := providers.ParseKind(l.Provider); err != nil {
		return nil, err
	}
	if l.Status != "" {
		if _, err := store.ParseStatus(string(l.Status)); err != nil {
			return nil, err
		}
	}
	if err := checkCounts(l.PromptTokens, l.CompletionTokens, l.ResponseTimeMS); err != nil {
		return nil, err
	}
	if err := checkCost("cost", l.Cost); err != nil {
		return nil, err
	}
	l.ID = ""
	return s.store.CreateLog(ctx, l)
}

// UpdateLog applies p to log id and drops its cached entry.
func (s *Service) UpdateLog(ctx context.Context, id string, p store.LogPatch) (*store.Log, error) {
	if p.Status != nil {
		if _, err := store.ParseStatus(string(*p.Status)); err != nil {
			return nil, err
		}
	}
	if err := checkCounts(p.PromptTokens, p.CompletionTokens, p.ResponseTimeMS); err != nil {
		return nil, err
	}
	if p.Cost != nil {
		if err := checkCost("cost", *p.Cost); err != nil {
			return nil, err
		}
	}

	l, err := s.store.UpdateLog(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.ForgetLog(ctx, id)
	return l, nil
}

// ForgetLog drops the cached entry of log id.
func (s *Service) ForgetLog(ctx context.Context, id string) {
	_ = s.aside.Invalidate(ctx, PrefixLog, byID{ID: id})
}

func checkCounts(prompt, completion, responseTime *int) error {
	for name, v := range map[string]*int{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"response_time_ms":  responseTime,
	} {
		if v != nil && *v < 0 {
			return errs.Validation("%s must not be negative", name)
		}
	}
	return nil
}

func validateLogFilter(f store.LogFilter) error {
	if f.Status != "" {
		if _, err := store.ParseStatus(f.Status); err != nil {
			return err
		}
	}
	if f.Start != nil && f.End != nil && !f.Start.Before(*f.End) {
		return errs.Validation("start must be before end")
	}
	return nil
}
