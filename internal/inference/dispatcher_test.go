package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/blob"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/logwriter"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/query"
	"github.com/nulpointcorp/inference-gateway/internal/store"
	"github.com/nulpointcorp/inference-gateway/internal/store/storetest"
)

// behavior scripts the fake provider.
type behavior struct {
	text      string
	usage     providers.Usage
	err       error
	chunks    []string
	streamErr error
}

type fakeProvider struct {
	cfg providers.Config
	env *testEnv
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	f.env.lastReq.Store(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := f.env.behavior
	if b.err != nil {
		return nil, b.err
	}
	return &providers.Response{Text: b.text, Usage: b.usage}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	f.env.lastReq.Store(req)
	b := f.env.behavior
	if b.err != nil {
		return nil, b.err
	}
	return providers.NewStream(ctx, func(ctx context.Context, emit providers.Emit) (providers.Usage, error) {
		for _, c := range b.chunks {
			if !emit(providers.Chunk{Text: c}) {
				return providers.Usage{}, ctx.Err()
			}
		}
		return b.usage, b.streamErr
	}), nil
}

// countingLogs counts completion calls on top of a real writer.
type countingLogs struct {
	*logwriter.Writer
	completes atomic.Int32
}

func (c *countingLogs) CompleteLog(ctx context.Context, id string, comp logwriter.Completion) error {
	c.completes.Add(1)
	return c.Writer.CompleteLog(ctx, id, comp)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.LogEvent
}

func (r *recordingEvents) Publish(e events.LogEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	db         *store.DB
	writer     *logwriter.Writer
	logs       *countingLogs
	events     *recordingEvents
	instances  *Instances
	resolver   *Resolver
	dispatcher *Dispatcher
	model      *store.Model

	behavior *behavior
	builds   atomic.Int32
	configs  sync.Map // build number -> providers.Config
	lastReq  atomic.Pointer[providers.Request]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		db:       storetest.New(t),
		events:   &recordingEvents{},
		behavior: &behavior{text: "hello", usage: providers.Usage{PromptTokens: 4, CompletionTokens: 2}},
	}
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e.writer = logwriter.New(e.db, blobs, logwriter.Options{})
	e.logs = &countingLogs{Writer: e.writer}

	registry := providers.NewRegistry()
	ctor := func(cfg providers.Config) (providers.Provider, error) {
		n := e.builds.Add(1)
		e.configs.Store(n, cfg)
		return &fakeProvider{cfg: cfg, env: e}, nil
	}
	for _, k := range providers.Kinds() {
		registry.Register(k, ctor)
	}

	e.instances = NewInstances(10, 0)
	e.resolver = NewResolver(e.db, registry, e.instances, ResolverOptions{})
	e.dispatcher = NewDispatcher(e.resolver, e.logs, Options{Events: e.events})

	e.model, err = e.db.CreateModel(context.Background(), store.Model{
		Name:     "gpt-4o-mini",
		Provider: "openai",
		Config:   store.JSONMap{"organization": "org-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *testEnv) request() *Request {
	return &Request{
		ModelID:  e.model.ID,
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Tags:     map[string]any{"team": "search"},
	}
}

var cred = Credential{APIKey: "sk-test"}

func TestResolve_UnknownModelDoesNotTouchCache(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.resolver.Resolve(context.Background(), "no-such-model", cred)
	if nf, ok := errs.AsNotFound(err); !ok || nf.Entity != "model" {
		t.Fatalf("expected NotFound(model), got %v", err)
	}
	if e.instances.Len() != 0 || e.builds.Load() != 0 {
		t.Errorf("instance cache written: len=%d builds=%d", e.instances.Len(), e.builds.Load())
	}
}

func TestResolve_UnsupportedProvider(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.db.CreateModel(context.Background(), store.Model{Name: "titan", Provider: "bedrock"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.resolver.Resolve(context.Background(), m.ID, cred)
	if !errs.IsUnsupportedProvider(err) {
		t.Fatalf("expected UnsupportedProvider, got %v", err)
	}
	if e.instances.Len() != 0 {
		t.Error("instance cache written for unsupported provider")
	}
}

func TestResolve_ReusesInstancePerTuple(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	a, err := e.resolver.Resolve(ctx, e.model.ID, cred)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.resolver.Resolve(ctx, e.model.ID, cred)
	if a.Provider != b.Provider || e.builds.Load() != 1 {
		t.Errorf("expected one shared instance, builds = %d", e.builds.Load())
	}

	c, _ := e.resolver.Resolve(ctx, e.model.ID, Credential{APIKey: "sk-test", BaseURL: "http://localhost:8000/v1"})
	if c.Provider == a.Provider || e.builds.Load() != 2 {
		t.Error("a different base URL must build a separate instance")
	}
	cfg := c.Provider.(*fakeProvider).cfg
	if cfg.BaseURL != "http://localhost:8000/v1" || cfg.Credential != "sk-test" || cfg.Model != "gpt-4o-mini" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.OptionString("organization") != "org-1" {
		t.Errorf("model config not forwarded: %v", cfg.Options)
	}
}

func TestResolve_RebuildsAfterModelUpdate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if _, err := e.resolver.Resolve(ctx, e.model.ID, cred); err != nil {
		t.Fatal(err)
	}
	// Guarantee a distinct updated_at millisecond.
	name := "gpt-4o"
	for {
		m, err := e.db.UpdateModel(ctx, e.model.ID, store.ModelPatch{Name: &name})
		if err != nil {
			t.Fatal(err)
		}
		if !m.UpdatedAt.Equal(e.model.UpdatedAt) {
			break
		}
	}
	r, err := e.resolver.Resolve(ctx, e.model.ID, cred)
	if err != nil {
		t.Fatal(err)
	}
	if e.builds.Load() != 2 || r.Provider.(*fakeProvider).cfg.Model != "gpt-4o" {
		t.Errorf("stale instance reused; builds = %d", e.builds.Load())
	}
}

func TestResolve_ConcurrentSameTupleSameConfig(t *testing.T) {
	e := newTestEnv(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.resolver.Resolve(context.Background(), e.model.ID, cred); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	var first *providers.Config
	e.configs.Range(func(_, v any) bool {
		cfg := v.(providers.Config)
		if first == nil {
			first = &cfg
			return true
		}
		if cfg.Credential != first.Credential || cfg.BaseURL != first.BaseURL || cfg.Model != first.Model {
			t.Errorf("divergent configs %+v vs %+v", cfg, *first)
		}
		return true
	})
}

func TestDispatch_CompletesLogAndPayload(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	req := e.request()

	resp, err := e.dispatcher.Dispatch(ctx, cred, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.ID == "" || resp.Text != "hello" || resp.Usage.Total != 6 || resp.ResponseTimeMS < 0 {
		t.Errorf("unexpected response %+v", resp)
	}

	l, err := e.db.GetLog(ctx, resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != store.StatusComplete || *l.PromptTokens != 4 || *l.CompletionTokens != 2 {
		t.Errorf("unexpected log %+v", l)
	}
	if l.Model != e.model.Name || l.Provider != "openai" || l.Tags["team"] != "search" {
		t.Errorf("unexpected log identity %+v", l)
	}

	doc, err := e.writer.ReadPayload(ctx, *l.ObjectReference)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Request  Request  `json:"request"`
		Response Response `json:"response"`
	}
	if err := json.Unmarshal(doc, &got); err != nil {
		t.Fatal(err)
	}
	if got.Request.ModelID != req.ModelID || got.Request.Messages[0].Content != "hi" {
		t.Errorf("stored request %+v", got.Request)
	}
	if got.Response != *resp {
		t.Errorf("stored response %+v, returned %+v", got.Response, *resp)
	}

	if types := e.events.types(); len(types) != 1 || types[0] != events.TypeLogCompleted {
		t.Errorf("events = %v", types)
	}
}

func TestDispatch_ForwardsOnlySetSamplingFields(t *testing.T) {
	e := newTestEnv(t)
	req := e.request()
	if _, err := e.dispatcher.Dispatch(context.Background(), cred, req); err != nil {
		t.Fatal(err)
	}
	got := e.lastReq.Load()
	if got.Temperature != nil || got.TopP != nil || got.MaxTokens != nil {
		t.Errorf("unset fields forwarded: %+v", got)
	}

	temp, maxTok := 0.3, 64
	req.Temperature, req.MaxTokens = &temp, &maxTok
	if _, err := e.dispatcher.Dispatch(context.Background(), cred, req); err != nil {
		t.Fatal(err)
	}
	got = e.lastReq.Load()
	if got.Temperature == nil || *got.Temperature != 0.3 || *got.MaxTokens != 64 || got.TopP != nil {
		t.Errorf("unexpected forwarded fields %+v", got)
	}
}

func TestDispatch_EmptyResultIsUpstreamFailure(t *testing.T) {
	e := newTestEnv(t)
	e.behavior.text = ""

	_, err := e.dispatcher.Dispatch(context.Background(), cred, e.request())
	if !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	assertOnlyLogStatus(t, e, store.StatusError)
}

func TestDispatch_ProviderErrorMarksLogFailed(t *testing.T) {
	e := newTestEnv(t)
	e.behavior.err = &providers.Error{Provider: "openai", StatusCode: http.StatusTooManyRequests, Message: "slow down"}

	_, err := e.dispatcher.Dispatch(context.Background(), cred, e.request())
	var pe *providers.Error
	if !errors.Is(err, errs.ErrUpstream) || !errors.As(err, &pe) {
		t.Fatalf("expected tagged provider error, got %v", err)
	}
	assertOnlyLogStatus(t, e, store.StatusError)
	if types := e.events.types(); len(types) != 1 || types[0] != events.TypeLogFailed {
		t.Errorf("events = %v", types)
	}
}

func TestDispatch_CallerCancelLeavesLogIncomplete(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(e.resolver, &cancellingLogs{countingLogs: e.logs, cancel: cancel}, Options{})

	if _, err := d.Dispatch(ctx, cred, e.request()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	assertOnlyLogStatus(t, e, store.StatusIncomplete)
}

// cancellingLogs cancels the caller's context right after the log starts.
type cancellingLogs struct {
	*countingLogs
	cancel context.CancelFunc
}

func (c *cancellingLogs) StartLog(ctx context.Context, model, provider string, status store.Status, tags store.JSONMap) (string, error) {
	id, err := c.countingLogs.StartLog(ctx, model, provider, status, tags)
	c.cancel()
	return id, err
}

func TestDispatch_Validation(t *testing.T) {
	e := newTestEnv(t)
	bad := 3.0
	zero := 0
	tests := []*Request{
		{Messages: []providers.Message{{Role: "user", Content: "x"}}},
		{ModelID: e.model.ID},
		{ModelID: e.model.ID, Messages: []providers.Message{{Role: "tool", Content: "x"}}},
		{ModelID: e.model.ID, Messages: []providers.Message{{Role: "user"}}},
		{ModelID: e.model.ID, Messages: []providers.Message{{Role: "user", Content: "x"}}, Temperature: &bad},
		{ModelID: e.model.ID, Messages: []providers.Message{{Role: "user", Content: "x"}}, TopP: &bad},
		{ModelID: e.model.ID, Messages: []providers.Message{{Role: "user", Content: "x"}}, MaxTokens: &zero},
	}
	for i, req := range tests {
		if _, err := e.dispatcher.Dispatch(context.Background(), cred, req); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("case %d: expected validation failure, got %v", i, err)
		}
	}
	if e.builds.Load() != 0 {
		t.Error("invalid requests must not resolve providers")
	}
}

func TestDispatch_UnknownModel(t *testing.T) {
	e := newTestEnv(t)
	req := e.request()
	req.ModelID = "missing"
	if _, err := e.dispatcher.Dispatch(context.Background(), cred, req); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	page, _ := e.db.ListLogs(context.Background(), store.LogFilter{})
	if len(page.Data) != 0 {
		t.Error("no log may be created for an unknown model")
	}
}

func TestDispatchStream_CompletesOnce(t *testing.T) {
	e := newTestEnv(t)
	e.behavior.chunks = []string{"Hel", "lo", "!"}
	ctx := context.Background()

	s, err := e.dispatcher.DispatchStream(ctx, cred, e.request())
	if err != nil {
		t.Fatalf("DispatchStream: %v", err)
	}
	defer s.Close()

	var text string
	for s.Next() {
		text += s.Text()
	}
	if s.Err() != nil {
		t.Fatalf("stream error: %v", s.Err())
	}
	if s.Next() {
		t.Error("Next after end must return false")
	}
	s.Close()

	if text != "Hello!" {
		t.Errorf("text = %q", text)
	}
	if n := e.logs.completes.Load(); n != 1 {
		t.Fatalf("completion fired %d times", n)
	}
	if res := s.Result(); res == nil || res.Text != "Hello!" || res.Usage.Total != 6 {
		t.Errorf("result = %+v", s.Result())
	}

	l, _ := e.db.GetLog(ctx, s.LogID())
	if l.Status != store.StatusComplete {
		t.Errorf("status = %s", l.Status)
	}
	doc, _ := e.writer.ReadPayload(ctx, *l.ObjectReference)
	var got struct {
		Response Response `json:"response"`
	}
	_ = json.Unmarshal(doc, &got)
	if got.Response.Text != "Hello!" {
		t.Errorf("stored text %q", got.Response.Text)
	}
}

func TestDispatchStream_EarlyCloseSuppressesCompletion(t *testing.T) {
	e := newTestEnv(t)
	e.behavior.chunks = []string{"a", "b", "c", "d"}
	ctx := context.Background()

	s, err := e.dispatcher.DispatchStream(ctx, cred, e.request())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Next() {
		t.Fatal("expected a first chunk")
	}
	s.Close()
	if s.Next() {
		t.Error("Next after Close must return false")
	}

	if n := e.logs.completes.Load(); n != 0 {
		t.Errorf("completion fired %d times after early close", n)
	}
	l, _ := e.db.GetLog(ctx, s.LogID())
	if l.Status != store.StatusIncomplete {
		t.Errorf("status = %s, want incomplete", l.Status)
	}
}

func TestDispatchStream_UpstreamErrorMarksFailed(t *testing.T) {
	e := newTestEnv(t)
	e.behavior.chunks = []string{"partial"}
	e.behavior.streamErr = errors.New("connection reset")
	ctx := context.Background()

	s, err := e.dispatcher.DispatchStream(ctx, cred, e.request())
	if err != nil {
		t.Fatal(err)
	}
	for s.Next() {
	}
	if !errors.Is(s.Err(), errs.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", s.Err())
	}
	if e.logs.completes.Load() != 0 {
		t.Error("completion must not fire on upstream error")
	}
	l, _ := e.db.GetLog(ctx, s.LogID())
	if l.Status != store.StatusError {
		t.Errorf("status = %s", l.Status)
	}
}

func TestDispatchStream_FinishDropsCachedLog(t *testing.T) {
	tests := []struct {
		name      string
		streamErr error
		want      store.Status
	}{
		{"completed", nil, store.StatusComplete},
		{"failed", errors.New("connection reset"), store.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.behavior.chunks = []string{"a", "b"}
			e.behavior.streamErr = tt.streamErr
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			mem := cache.NewMemoryCache(ctx)
			defer mem.Close()
			svc := query.New(e.db, cache.NewAside(mem, nil, nil, nil), e.writer, query.DefaultTTLs())
			d := NewDispatcher(e.resolver, e.logs, Options{LogCache: svc})

			s, err := d.DispatchStream(ctx, cred, e.request())
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			if !s.Next() {
				t.Fatal("expected a first chunk")
			}

			// Reading mid-stream caches the incomplete row.
			l, err := svc.GetLog(ctx, s.LogID())
			if err != nil {
				t.Fatal(err)
			}
			if l.Status != store.StatusIncomplete {
				t.Fatalf("mid-stream status = %s", l.Status)
			}

			for s.Next() {
			}
			l, err = svc.GetLog(ctx, s.LogID())
			if err != nil {
				t.Fatal(err)
			}
			if l.Status != tt.want {
				t.Errorf("status after finish = %s, want %s", l.Status, tt.want)
			}
		})
	}
}

func TestDispatchStream_OpenErrorFailsImmediately(t *testing.T) {
	e := newTestEnv(t)
	e.behavior.err = &providers.Error{Provider: "openai", StatusCode: http.StatusUnauthorized, Message: "bad key"}

	if _, err := e.dispatcher.DispatchStream(context.Background(), cred, e.request()); !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	assertOnlyLogStatus(t, e, store.StatusError)
}

func assertOnlyLogStatus(t *testing.T, e *testEnv, want store.Status) {
	t.Helper()
	page, err := e.db.ListLogs(context.Background(), store.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("logs = %d, want 1", len(page.Data))
	}
	if got := page.Data[0].Status; got != want {
		t.Errorf("status = %s, want %s", got, want)
	}
}
