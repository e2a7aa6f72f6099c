package inference

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/logwriter"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

const (
	DefaultProviderTimeout = 60 * time.Second
	DefaultStreamTimeout   = 10 * time.Minute

	modeSync   = "sync"
	modeStream = "stream"
)

// LogWriter records the lifecycle of each dispatch; *logwriter.Writer
// satisfies it.
type LogWriter interface {
	StartLog(ctx context.Context, model, provider string, status store.Status, tags store.JSONMap) (string, error)
	CompleteLog(ctx context.Context, id string, c logwriter.Completion) error
	FailLog(ctx context.Context, id string, elapsed time.Duration) error
}

// LogCache drops cached reads of a log once its row changes; *query.Service
// satisfies it.
type LogCache interface {
	ForgetLog(ctx context.Context, id string)
}

// EventPublisher receives terminal log events without blocking.
type EventPublisher interface {
	Publish(e events.LogEvent)
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	// ProviderTimeout bounds a non-streaming provider call.
	ProviderTimeout time.Duration
	// StreamTimeout bounds a whole streamed response.
	StreamTimeout time.Duration
	LogCache      LogCache
	Events        EventPublisher
	Metrics       *metrics.Registry
	Logger        *slog.Logger
}

// Dispatcher runs inference requests: resolve, start the log, call the
// provider, complete the log.
type Dispatcher struct {
	resolver        *Resolver
	logs            LogWriter
	logCache        LogCache
	events          EventPublisher
	metrics         *metrics.Registry
	log             *slog.Logger
	providerTimeout time.Duration
	streamTimeout   time.Duration
}

func NewDispatcher(resolver *Resolver, logs LogWriter, opts Options) *Dispatcher {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		resolver:        resolver,
		logs:            logs,
		logCache:        opts.LogCache,
		events:          opts.Events,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		providerTimeout: opts.ProviderTimeout,
		streamTimeout:   opts.StreamTimeout,
	}
}

// run is the per-request state shared by the sync and streaming paths.
type run struct {
	req      *Request
	resolved *Resolved
	logID    string
	state    logwriter.State
	mode     string
}

func (d *Dispatcher) begin(ctx context.Context, cred Credential, req *Request, mode string) (*run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := d.resolver.Resolve(ctx, req.ModelID, cred)
	if err != nil {
		return nil, err
	}

	r := &run{req: req, resolved: res, state: logwriter.StateCreated, mode: mode}
	r.logID, err = d.logs.StartLog(ctx, res.Model.Name, string(res.Kind), r.state.Status(), store.JSONMap(req.Tags))
	if err != nil {
		return nil, err
	}
	if r.state, err = r.state.Transition(logwriter.StateDispatched); err != nil {
		return nil, err
	}
	return r, nil
}

// Dispatch runs req to completion. The returned error is the provider's,
// tagged as an upstream failure, or a storage failure from the log writer.
func (d *Dispatcher) Dispatch(ctx context.Context, cred Credential, req *Request) (*Response, error) {
	r, err := d.begin(ctx, cred, req, modeSync)
	if err != nil {
		return nil, err
	}
	provider := string(r.resolved.Kind)

	d.log.InfoContext(ctx, "inference_request",
		slog.String("log_id", r.logID),
		slog.String("model_id", r.resolved.Model.ID),
		slog.String("provider", provider),
		slog.Int("messages", len(req.Messages)),
	)

	pctx, cancel := context.WithTimeout(ctx, d.providerTimeout)
	start := time.Now()
	out, err := r.resolved.Provider.Generate(pctx, req.providerRequest())
	elapsed := time.Since(start)
	cancel()

	if err == nil && (out == nil || (out.Text == "" && out.Reasoning == "")) {
		err = errs.Upstream(nil)
	}
	if err != nil {
		err = upstreamErr(err)
		d.fail(ctx, r, elapsed, err)
		return nil, err
	}

	resp := &Response{
		ID:             r.logID,
		ModelID:        r.resolved.Model.ID,
		Provider:       provider,
		Text:           out.Text,
		Reasoning:      out.Reasoning,
		Usage:          usageOf(out.Usage),
		ResponseTimeMS: elapsed.Milliseconds(),
	}
	if err := d.complete(ctx, r, resp, out.Usage, elapsed); err != nil {
		return nil, err
	}
	return resp, nil
}

// DispatchStream starts a streamed dispatch. The log is completed exactly
// once, when the consumer reads the stream to its normal end; closing the
// stream early leaves the log incomplete.
func (d *Dispatcher) DispatchStream(ctx context.Context, cred Credential, req *Request) (*Stream, error) {
	r, err := d.begin(ctx, cred, req, modeStream)
	if err != nil {
		return nil, err
	}

	d.log.InfoContext(ctx, "inference_stream",
		slog.String("log_id", r.logID),
		slog.String("model_id", r.resolved.Model.ID),
		slog.String("provider", string(r.resolved.Kind)),
	)

	sctx, cancel := context.WithTimeout(ctx, d.streamTimeout)
	start := time.Now()
	up, err := r.resolved.Provider.Stream(sctx, req.providerRequest())
	if err != nil {
		cancel()
		err = upstreamErr(err)
		d.fail(ctx, r, time.Since(start), err)
		return nil, err
	}

	s := &Stream{
		logID:  r.logID,
		up:     up,
		cancel: cancel,
	}
	s.finish = func(text, reasoning string, usage providers.Usage, upErr error) error {
		elapsed := time.Since(start)
		if upErr != nil {
			upErr = upstreamErr(upErr)
			d.fail(ctx, r, elapsed, upErr)
			return upErr
		}
		resp := &Response{
			ID:             r.logID,
			ModelID:        r.resolved.Model.ID,
			Provider:       string(r.resolved.Kind),
			Text:           text,
			Reasoning:      reasoning,
			Usage:          usageOf(usage),
			ResponseTimeMS: elapsed.Milliseconds(),
		}
		s.result = resp
		return d.complete(ctx, r, resp, usage, elapsed)
	}
	return s, nil
}

// complete persists a successful dispatch. It runs detached from the
// caller's cancellation so a client that disconnects after the provider
// answered still gets audited.
func (d *Dispatcher) complete(ctx context.Context, r *run, resp *Response, usage providers.Usage, elapsed time.Duration) error {
	provider := string(r.resolved.Kind)
	next, err := r.state.Transition(logwriter.StateCompleted)
	if err != nil {
		return err
	}
	r.state = next

	if d.metrics != nil {
		d.metrics.ObserveDispatch(provider, r.mode, "success", elapsed)
		d.metrics.AddTokens(provider, usage.PromptTokens, usage.CompletionTokens)
	}

	err = d.logs.CompleteLog(context.WithoutCancel(ctx), r.logID, logwriter.Completion{
		Request:      r.req,
		Response:     resp,
		Usage:        usage,
		ResponseTime: elapsed,
	})
	if err != nil {
		return err
	}
	d.forget(ctx, r.logID)

	d.publish(r, events.TypeLogCompleted, usage, elapsed)
	d.log.DebugContext(ctx, "inference_complete",
		slog.String("log_id", r.logID),
		slog.String("provider", provider),
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// fail marks the log failed unless the caller cancelled, in which case the
// row stays incomplete. Failure to persist is logged; the caller sees cause.
func (d *Dispatcher) fail(ctx context.Context, r *run, elapsed time.Duration, cause error) {
	provider := string(r.resolved.Kind)
	if ctx.Err() != nil {
		if d.metrics != nil {
			d.metrics.ObserveDispatch(provider, r.mode, "cancelled", elapsed)
		}
		return
	}
	if d.metrics != nil {
		d.metrics.ObserveDispatch(provider, r.mode, outcomeOf(cause), elapsed)
	}

	d.log.WarnContext(ctx, "inference_failed",
		slog.String("log_id", r.logID),
		slog.String("provider", provider),
		slog.String("error", cause.Error()),
		slog.Duration("elapsed", elapsed),
	)

	next, err := r.state.Transition(logwriter.StateFailed)
	if err != nil {
		return
	}
	r.state = next
	if err := d.logs.FailLog(context.WithoutCancel(ctx), r.logID, elapsed); err != nil {
		d.log.ErrorContext(ctx, "log_fail_failed",
			slog.String("log_id", r.logID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.forget(ctx, r.logID)
	d.publish(r, events.TypeLogFailed, providers.Usage{}, elapsed)
}

func (d *Dispatcher) forget(ctx context.Context, id string) {
	if d.logCache != nil {
		d.logCache.ForgetLog(context.WithoutCancel(ctx), id)
	}
}

func (d *Dispatcher) publish(r *run, typ string, usage providers.Usage, elapsed time.Duration) {
	if d.events == nil {
		return
	}
	d.events.Publish(events.LogEvent{
		Type:             typ,
		LogID:            r.logID,
		ModelID:          r.resolved.Model.ID,
		Model:            r.resolved.Model.Name,
		Provider:         string(r.resolved.Kind),
		Status:           string(r.state.Status()),
		Stream:           r.mode == modeStream,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ResponseTimeMS:   elapsed.Milliseconds(),
		Tags:             r.req.Tags,
	})
}

func upstreamErr(err error) error {
	if errors.Is(err, errs.ErrUpstream) {
		return err
	}
	return errs.Upstream(err)
}

func outcomeOf(err error) string {
	var sc providers.StatusCoder
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &sc):
		return "provider_error"
	default:
		return "error"
	}
}
