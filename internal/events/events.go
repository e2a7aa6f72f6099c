// Package events fans completed and failed inference logs out to
// asynchronous consumers (NATS JetStream, ClickHouse, the process log).
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine, so publishing never blocks the request path. If
// the channel fills up, new events are dropped and counted in Dropped.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second
)

// Event types.
const (
	TypeLogCompleted = "log.completed"
	TypeLogFailed    = "log.failed"
)

// LogEvent describes the terminal state of one inference log.
type LogEvent struct {
	Type             string         `json:"type"`
	LogID            string         `json:"log_id"`
	ModelID          string         `json:"model_id"`
	Model            string         `json:"model"`
	Provider         string         `json:"provider"`
	Status           string         `json:"status"`
	Stream           bool           `json:"stream"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	ResponseTimeMS   int64          `json:"response_time_ms"`
	Tags             map[string]any `json:"tags,omitempty"`
	OccurredAt       time.Time      `json:"occurred_at"`
}

// Sink receives batches of events. Write must not retain the slice.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []LogEvent) error
}

// Options configures a Publisher.
type Options struct {
	Logger *slog.Logger
	// Observe is called after every sink write.
	Observe func(sink string, n int, err error)
	// OnDrop is called for every event dropped on a full buffer.
	OnDrop func()
}

// Publisher batches events and delivers them to every sink.
type Publisher struct {
	ch        chan LogEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	sinks   []Sink
	baseCtx context.Context
	log     *slog.Logger
	observe func(string, int, error)
	onDrop  func()
}

// New starts a Publisher delivering to sinks until Close is called.
func New(ctx context.Context, opts Options, sinks ...Sink) (*Publisher, error) {
	if ctx == nil {
		return nil, fmt.Errorf("events: context must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Publisher{
		ch:      make(chan LogEvent, channelBuffer),
		done:    make(chan struct{}),
		sinks:   sinks,
		baseCtx: ctx,
		log:     opts.Logger,
		observe: opts.Observe,
		onDrop:  opts.OnDrop,
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Publish enqueues e without blocking. A nil Publisher discards e.
func (p *Publisher) Publish(e LogEvent) {
	if p == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case <-p.done:
		p.drop()
		return
	default:
	}
	select {
	case p.ch <- e:
	default:
		p.drop()
	}
}

func (p *Publisher) drop() {
	p.dropped.Add(1)
	if p.onDrop != nil {
		p.onDrop()
	}
}

// Dropped returns the number of events discarded so far.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close flushes buffered events and stops the background goroutine.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Publisher) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]LogEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The base context may already be cancelled during shutdown; the
		// final flush still gets its own deadline.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(p.baseCtx), writeTimeout)
		for _, s := range p.sinks {
			err := s.Write(ctx, batch)
			if err != nil {
				p.log.WarnContext(ctx, "events_sink_write_failed",
					slog.String("sink", s.Name()),
					slog.Int("events", len(batch)),
					slog.String("error", err.Error()),
				)
			}
			if p.observe != nil {
				p.observe(s.Name(), len(batch), err)
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-p.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-p.done:
			for {
				select {
				case e := <-p.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes every event to a structured logger.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Name() string { return "log" }

func (s *SlogSink) Write(ctx context.Context, batch []LogEvent) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "inference_log",
			slog.String("type", e.Type),
			slog.String("log_id", e.LogID),
			slog.String("model_id", e.ModelID),
			slog.String("provider", e.Provider),
			slog.String("status", e.Status),
			slog.Bool("stream", e.Stream),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("completion_tokens", e.CompletionTokens),
			slog.Int64("response_time_ms", e.ResponseTimeMS),
			slog.Time("occurred_at", e.OccurredAt.UTC()),
		)
	}
	return nil
}
