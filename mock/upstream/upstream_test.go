package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openai"
)

func newServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.StreamWords == 0 {
		cfg.StreamWords = 5
	}
	srv := httptest.NewServer(newHandler(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// dataFrames collects the data lines of an SSE body.
func dataFrames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var frames []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			frames = append(frames, rest)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return frames
}

func TestOpenAIProviderAgainstMock(t *testing.T) {
	srv := newServer(t, Config{Reasoning: true})
	p, err := openai.New(providers.Config{Credential: "mock-key", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatal(err)
	}
	req := &providers.Request{Messages: []providers.Message{{Role: "user", Content: "Hello there"}}}

	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(strings.Fields(resp.Text)) != 5 || resp.Reasoning != fakeReasoning {
		t.Errorf("response: %+v", resp)
	}
	if resp.Usage.PromptTokens != 2 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("usage: %+v", resp.Usage)
	}

	stream, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()
	var text strings.Builder
	for stream.Next() {
		text.WriteString(stream.Chunk().Text)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(strings.Fields(text.String())) != 5 {
		t.Errorf("streamed text %q", text.String())
	}
}

func TestAzureDeploymentPath(t *testing.T) {
	srv := newServer(t, Config{})
	url := srv.URL + "/openai/deployments/prod-gpt/chat/completions?api-version=2024-10-21"
	body := `{"messages":[{"role":"user","content":"hi"}]}`

	if resp := post(t, url, body, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing api-key: %d", resp.StatusCode)
	}

	resp := post(t, url, body, map[string]string{"api-key": "k"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Model != "prod-gpt" {
		t.Errorf("model = %q, want deployment name", out.Model)
	}
}

func TestAnthropicStreamWithThinking(t *testing.T) {
	srv := newServer(t, Config{})
	body := `{"model":"claude","max_tokens":64,"stream":true,"thinking":{"type":"enabled","budget_tokens":32},
		"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	resp := post(t, srv.URL+"/v1/messages", body, map[string]string{"x-api-key": "k"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var thinking, text int
	for _, f := range dataFrames(t, resp) {
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(f), &ev); err != nil {
			t.Fatalf("frame %q: %v", f, err)
		}
		if ev.Type != "content_block_delta" {
			continue
		}
		switch ev.Delta.Type {
		case "thinking_delta":
			thinking++
		case "text_delta":
			text++
		}
	}
	if thinking != 1 || text != 5 {
		t.Errorf("thinking=%d text=%d", thinking, text)
	}
}

func TestAnthropicRequiresMaxTokens(t *testing.T) {
	srv := newServer(t, Config{})
	resp := post(t, srv.URL+"/v1/messages", `{"model":"claude","messages":[]}`, map[string]string{"x-api-key": "k"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestGeminiGenerateAndStream(t *testing.T) {
	srv := newServer(t, Config{Reasoning: true})
	body := `{"contents":[{"role":"user","parts":[{"text":"hello gemini"}]}]}`

	resp := post(t, srv.URL+"/v1beta/models/gemini-2.0-flash:generateContent", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text    string `json:"text"`
					Thought bool   `json:"thought"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount int `json:"promptTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	parts := out.Candidates[0].Content.Parts
	if len(parts) != 2 || !parts[0].Thought || parts[1].Thought {
		t.Errorf("parts: %+v", parts)
	}
	if out.UsageMetadata.PromptTokenCount != 2 {
		t.Errorf("prompt tokens = %d", out.UsageMetadata.PromptTokenCount)
	}

	resp = post(t, srv.URL+"/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", body, nil)
	if frames := dataFrames(t, resp); len(frames) != 6 {
		t.Errorf("got %d stream frames, want reasoning + 5 words", len(frames))
	}
}

func TestErrorInjectionAndUnknownPath(t *testing.T) {
	srv := newServer(t, Config{ErrorRate: 1})
	resp := post(t, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("error rate 1: status %d", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/v2/unknown", `{}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path: status %d", resp.StatusCode)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MOCK_LATENCY", "25ms")
	t.Setenv("MOCK_REASONING", "true")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 19000 || cfg.Latency.Milliseconds() != 25 || !cfg.Reasoning || cfg.StreamWords != 10 {
		t.Errorf("config: %+v", cfg)
	}

	t.Setenv("MOCK_ERROR_RATE", "1.5")
	if _, err := loadConfig(); err == nil {
		t.Error("expected error for error rate above 1")
	}
}
