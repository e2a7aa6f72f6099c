package logwriter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/blob"
	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/store"
	"github.com/nulpointcorp/inference-gateway/internal/store/storetest"
)

type failingBlobs struct{ blob.Store }

func (failingBlobs) Put(context.Context, string, []byte, string) error {
	return errors.New("bucket unavailable")
}

func newWriter(t *testing.T, blobs blob.Store) (*Writer, *store.DB, *[]string) {
	t.Helper()
	db := storetest.New(t)
	if blobs == nil {
		fs, err := blob.NewFS(t.TempDir())
		if err != nil {
			t.Fatalf("NewFS: %v", err)
		}
		blobs = fs
	}
	var outcomes []string
	w := New(db, blobs, Options{Observe: func(o string) { outcomes = append(outcomes, o) }})
	return w, db, &outcomes
}

func sampleCompletion() Completion {
	return Completion{
		Request:      map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}},
		Response:     map[string]any{"text": "hello"},
		Usage:        providers.Usage{PromptTokens: 3, CompletionTokens: 2},
		ResponseTime: 1500 * time.Millisecond,
	}
}

func TestStartLog_Incomplete(t *testing.T) {
	w, db, _ := newWriter(t, nil)
	ctx := context.Background()

	id, err := w.StartLog(ctx, "model-1", "openai", StateCreated.Status(), store.JSONMap{"env": "test"})
	if err != nil {
		t.Fatalf("StartLog: %v", err)
	}
	l, err := db.GetLog(ctx, id)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if l.Status != store.StatusIncomplete || l.ObjectReference != nil {
		t.Errorf("unexpected row %+v", l)
	}
	if l.Tags["env"] != "test" {
		t.Errorf("tags = %v", l.Tags)
	}
}

func TestCompleteLog_WritesPayloadThenRow(t *testing.T) {
	w, db, outcomes := newWriter(t, nil)
	ctx := context.Background()

	id, err := w.StartLog(ctx, "model-1", "openai", store.StatusIncomplete, nil)
	if err != nil {
		t.Fatalf("StartLog: %v", err)
	}
	if err := w.CompleteLog(ctx, id, sampleCompletion()); err != nil {
		t.Fatalf("CompleteLog: %v", err)
	}

	l, err := db.GetLog(ctx, id)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if l.Status != store.StatusComplete {
		t.Errorf("status = %s", l.Status)
	}
	if l.ObjectReference == nil || *l.ObjectReference != ObjectKey(id) {
		t.Fatalf("object_reference = %v", l.ObjectReference)
	}
	if *l.PromptTokens != 3 || *l.CompletionTokens != 2 || *l.ResponseTimeMS != 1500 {
		t.Errorf("counts = %d/%d/%d", *l.PromptTokens, *l.CompletionTokens, *l.ResponseTimeMS)
	}

	doc, err := w.ReadPayload(ctx, *l.ObjectReference)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	var got struct {
		Request  map[string]any `json:"request"`
		Response map[string]any `json:"response"`
	}
	if err := json.Unmarshal(doc, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Response["text"] != "hello" || got.Request["messages"] == nil {
		t.Errorf("payload = %s", doc)
	}
	if len(*outcomes) != 1 || (*outcomes)[0] != OutcomeComplete {
		t.Errorf("outcomes = %v", *outcomes)
	}
}

func TestCompleteLog_Idempotent(t *testing.T) {
	w, db, _ := newWriter(t, nil)
	ctx := context.Background()

	id, _ := w.StartLog(ctx, "model-1", "openai", store.StatusIncomplete, nil)
	for i := 0; i < 2; i++ {
		if err := w.CompleteLog(ctx, id, sampleCompletion()); err != nil {
			t.Fatalf("CompleteLog #%d: %v", i+1, err)
		}
	}
	l, _ := db.GetLog(ctx, id)
	if l.Status != store.StatusComplete || *l.ObjectReference != ObjectKey(id) {
		t.Errorf("unexpected row after rerun: %+v", l)
	}
}

func TestCompleteLog_BlobFailureLeavesRowUntouched(t *testing.T) {
	w, db, outcomes := newWriter(t, failingBlobs{})
	ctx := context.Background()

	id, _ := w.StartLog(ctx, "model-1", "openai", store.StatusIncomplete, nil)
	err := w.CompleteLog(ctx, id, sampleCompletion())
	if !errors.Is(err, errs.ErrStorage) {
		t.Fatalf("expected storage failure, got %v", err)
	}

	l, _ := db.GetLog(ctx, id)
	if l.Status != store.StatusIncomplete || l.ObjectReference != nil {
		t.Errorf("row changed despite blob failure: %+v", l)
	}
	if (*outcomes)[0] != OutcomeBlobError {
		t.Errorf("outcomes = %v", *outcomes)
	}
}

func TestCompleteLog_MissingRow(t *testing.T) {
	w, _, _ := newWriter(t, nil)
	err := w.CompleteLog(context.Background(), "does-not-exist", sampleCompletion())
	if !errors.Is(err, errs.ErrStorage) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestFailLog(t *testing.T) {
	w, db, _ := newWriter(t, nil)
	ctx := context.Background()

	id, _ := w.StartLog(ctx, "model-1", "anthropic", store.StatusIncomplete, nil)
	if err := w.FailLog(ctx, id, 250*time.Millisecond); err != nil {
		t.Fatalf("FailLog: %v", err)
	}
	l, _ := db.GetLog(ctx, id)
	if l.Status != store.StatusError || *l.ResponseTimeMS != 250 {
		t.Errorf("unexpected row %+v", l)
	}
}

func TestReadPayload_Missing(t *testing.T) {
	w, _, _ := newWriter(t, nil)
	_, err := w.ReadPayload(context.Background(), ObjectKey("nope"))
	if !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDecodePayload_RejectsGarbage(t *testing.T) {
	if _, err := DecodePayload([]byte("not gzip")); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateDispatched, true},
		{StateDispatched, StateCompleted, true},
		{StateDispatched, StateFailed, true},
		{StateCreated, StateCompleted, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateCompleted, false},
		{StateDispatched, StateCreated, false},
	}
	for _, tt := range tests {
		got, err := tt.from.Transition(tt.to)
		if tt.ok && (err != nil || got != tt.to) {
			t.Errorf("%s -> %s: got %s, %v", tt.from, tt.to, got, err)
		}
		if !tt.ok && (err == nil || got != tt.from) {
			t.Errorf("%s -> %s: expected rejection, got %s, %v", tt.from, tt.to, got, err)
		}
	}

	statuses := map[State]store.Status{
		StateCreated:    store.StatusIncomplete,
		StateDispatched: store.StatusIncomplete,
		StateCompleted:  store.StatusComplete,
		StateFailed:     store.StatusError,
	}
	for s, want := range statuses {
		if s.Status() != want {
			t.Errorf("%s.Status() = %s, want %s", s, s.Status(), want)
		}
	}
}
