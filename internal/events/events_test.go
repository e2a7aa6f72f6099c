package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]LogEvent
	err     error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Write(_ context.Context, batch []LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]LogEvent(nil), batch...))
	return r.err
}

func (r *recordingSink) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestPublisher_DeliversInBatches(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(context.Background(), Options{}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 250; i++ {
		p.Publish(LogEvent{Type: TypeLogCompleted, LogID: "id"})
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.total(); got != 250 {
		t.Fatalf("delivered %d events, want 250", got)
	}
	for _, b := range sink.batches {
		if len(b) > batchSize {
			t.Errorf("batch of %d exceeds %d", len(b), batchSize)
		}
		if b[0].OccurredAt.IsZero() {
			t.Error("OccurredAt not stamped")
		}
	}
}

func TestPublisher_ObservesSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("down")}
	var mu sync.Mutex
	var observed []error
	p, _ := New(context.Background(), Options{
		Observe: func(name string, n int, err error) {
			mu.Lock()
			observed = append(observed, err)
			mu.Unlock()
		},
	}, sink)

	p.Publish(LogEvent{Type: TypeLogFailed})
	_ = p.Close()

	if len(observed) != 1 || observed[0] == nil {
		t.Fatalf("observed = %v", observed)
	}
}

func TestPublisher_DropsAfterClose(t *testing.T) {
	drops := 0
	p, _ := New(context.Background(), Options{OnDrop: func() { drops++ }})
	_ = p.Close()
	_ = p.Close()

	p.Publish(LogEvent{Type: TypeLogCompleted})
	if p.Dropped() != 1 || drops != 1 {
		t.Errorf("dropped = %d, callback = %d", p.Dropped(), drops)
	}
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	p.Publish(LogEvent{Type: TypeLogCompleted})
}

func TestNew_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test.
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	err := sink.Write(context.Background(), []LogEvent{{Type: TypeLogCompleted, LogID: "abc", Provider: "openai"}})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"inference_log"`) || !strings.Contains(out, `"log_id":"abc"`) {
		t.Errorf("unexpected output %s", out)
	}
}

func TestDial_Validation(t *testing.T) {
	if _, err := DialNATS(NATSConfig{}, nil); err == nil {
		t.Error("expected error without nats url")
	}
	if _, err := DialClickHouse(context.Background(), ""); err == nil {
		t.Error("expected error without clickhouse dsn")
	}
	if _, err := DialClickHouse(context.Background(), "://not a dsn"); err == nil {
		t.Error("expected error for malformed dsn")
	}
}
