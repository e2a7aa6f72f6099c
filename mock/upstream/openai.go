package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// mountOpenAI serves the chat completions wire format for openai, local and
// azure models. Azure addresses a deployment instead of a model.
func mountOpenAI(mux *http.ServeMux, cfg Config) {
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		handleChat(w, r, cfg, "")
	})
	mux.HandleFunc("/openai/deployments/{deployment}/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") == "" {
			writeError(w, http.StatusUnauthorized, "missing api-key header", "invalid_request_error")
			return
		}
		handleChat(w, r, cfg, r.PathValue("deployment"))
	})
}

func handleChat(w http.ResponseWriter, r *http.Request, cfg Config, deployment string) {
	fail := func(w http.ResponseWriter) {
		writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
	}
	if !prelude(w, r, cfg, fail) {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
		return
	}

	model := req.Model
	if deployment != "" {
		model = deployment
	}
	if model == "" {
		model = "gpt-4o"
	}

	texts := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		texts[i] = m.Content
	}

	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	words := fakeSentence(cfg.StreamWords)
	inTokens := promptTokens(texts...)
	outTokens := len(words)

	if req.Stream {
		serveOpenAIStream(w, cfg, id, model, words)
		return
	}

	message := map[string]string{
		"role":    "assistant",
		"content": strings.Join(words, " "),
	}
	if cfg.Reasoning {
		message["reasoning_content"] = fakeReasoning
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       message,
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		},
	})
}

// serveOpenAIStream writes an SSE stream of chat completion chunks.
func serveOpenAIStream(w http.ResponseWriter, cfg Config, id, model string, words []string) {
	send := sse(w)

	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	if cfg.Reasoning {
		send("", chunk(map[string]string{"reasoning_content": fakeReasoning}, nil))
	}
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		send("", chunk(map[string]string{"content": word}, nil))
	}
	send("", chunk(map[string]string{}, "stop"))
	send("", "[DONE]")
}
