package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(providers.Config{Credential: "k", Model: "llama3"}); err == nil {
		t.Fatal("expected error without base url")
	}
}

func TestGenerate_UsesBaseURL(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"l1","object":"chat.completion","created":1,"model":"llama3","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong","reasoning":"thinking"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p, err := New(providers.Config{Credential: "k", Model: "llama3", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "local" {
		t.Errorf("Name = %q", p.Name())
	}

	resp, err := p.Generate(context.Background(), &providers.Request{
		Messages: []providers.Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if path != "/v1/chat/completions" {
		t.Errorf("path = %q", path)
	}
	if resp.Text != "pong" || resp.Reasoning != "thinking" {
		t.Errorf("unexpected response %+v", resp)
	}
}
