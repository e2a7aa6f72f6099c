package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

func newTestProvider(t *testing.T, srv *httptest.Server) providers.Provider {
	t.Helper()
	p, err := New(providers.Config{Credential: "mock-api-key", BaseURL: srv.URL + "/v1beta", Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func apiKeyOf(r *http.Request) string {
	if k := r.URL.Query().Get("key"); k != "" {
		return k
	}
	return r.Header.Get("X-Goog-Api-Key")
}

type generateRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	GenerationConfig *struct {
		Temperature     *float32 `json:"temperature"`
		TopP            *float32 `json:"topP"`
		MaxOutputTokens *int32   `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

func TestGenerate_RolesAndConfig(t *testing.T) {
	var body generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1beta/models/gemini-2.5-flash:generateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if apiKeyOf(r) != "mock-api-key" {
			t.Errorf("api key = %q", apiKeyOf(r))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"responseId":"g-1","candidates":[{"content":{"role":"model","parts":[{"text":"pondering","thought":true},{"text":"Sure!"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`))
	}))
	defer srv.Close()

	temp := 0.2
	resp, err := newTestProvider(t, srv).Generate(context.Background(), &providers.Request{
		Messages: []providers.Message{
			{Role: "system", Content: "Be terse."},
			{Role: "user", Content: "2+2?"},
			{Role: "assistant", Content: "4"},
			{Role: "user", Content: "3+3?"},
		},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "Sure!" || resp.Reasoning != "pondering" || resp.ID != "g-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if len(body.Contents) != 3 || body.Contents[1].Role != "model" {
		t.Fatalf("unexpected contents %+v", body.Contents)
	}
	if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "Be terse." {
		t.Errorf("system instruction not set: %+v", body.SystemInstruction)
	}
	if body.GenerationConfig == nil || body.GenerationConfig.Temperature == nil || body.GenerationConfig.TopP != nil {
		t.Errorf("unexpected generation config %+v", body.GenerationConfig)
	}
}

func TestGenerate_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv).Generate(context.Background(), &providers.Request{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestGenerate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv).Generate(context.Background(), &providers.Request{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.HTTPStatus() != http.StatusTooManyRequests || pe.Type != "RESOURCE_EXHAUSTED" {
		t.Errorf("unexpected error %+v", pe)
	}
}

func TestStream_TextAndUsage(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
	}))
	defer srv.Close()

	s, err := newTestProvider(t, srv).Stream(context.Background(), &providers.Request{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Chunk().Text)
	}
	if s.Err() != nil {
		t.Fatalf("stream error: %v", s.Err())
	}
	if sb.String() != "Hello world" {
		t.Errorf("text = %q", sb.String())
	}
	if u := s.Usage(); u.PromptTokens != 3 || u.CompletionTokens != 2 {
		t.Errorf("usage = %+v", u)
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	tests := []struct {
		in, base, version string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"https://proxy.example.com/google/v1", "https://proxy.example.com/google/", "v1"},
		{"https://proxy.example.com", "https://proxy.example.com/", ""},
	}
	for _, tt := range tests {
		base, version := splitBaseURLAndVersion(tt.in)
		if base != tt.base || version != tt.version {
			t.Errorf("split(%q) = %q, %q; want %q, %q", tt.in, base, version, tt.base, tt.version)
		}
	}
}
