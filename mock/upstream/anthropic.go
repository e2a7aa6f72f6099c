package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

type messagesRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
	Messages  []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Thinking *struct {
		Type string `json:"type"`
	} `json:"thinking"`
}

// mountAnthropic serves the Messages API. Thinking blocks are emitted when
// the request enables thinking or MOCK_REASONING is set.
func mountAnthropic(mux *http.ServeMux, cfg Config) {
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		fail := func(w http.ResponseWriter) {
			writeAnthropicError(w, http.StatusInternalServerError, "mock internal error", "overloaded_error")
		}
		if !prelude(w, r, cfg, fail) {
			return
		}
		if r.Header.Get("x-api-key") == "" {
			writeAnthropicError(w, http.StatusUnauthorized, "missing x-api-key header", "authentication_error")
			return
		}

		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.MaxTokens <= 0 {
			writeAnthropicError(w, http.StatusBadRequest, "max_tokens: field required", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		thinking := cfg.Reasoning || (req.Thinking != nil && req.Thinking.Type == "enabled")

		texts := make([]string, len(req.Messages))
		for i, m := range req.Messages {
			texts[i] = string(m.Content)
		}

		id := fmt.Sprintf("msg_%x", rand.Int64())
		words := fakeSentence(cfg.StreamWords)
		inTokens := promptTokens(texts...)
		outTokens := len(words)

		if req.Stream {
			serveAnthropicStream(w, id, model, words, thinking, inTokens, outTokens)
			return
		}

		var content []map[string]string
		if thinking {
			content = append(content, map[string]string{"type": "thinking", "thinking": fakeReasoning, "signature": "mock"})
		}
		content = append(content, map[string]string{"type": "text", "text": strings.Join(words, " ")})

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       content,
			"usage": map[string]int{
				"input_tokens":  inTokens,
				"output_tokens": outTokens,
			},
		})
	})
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// serveAnthropicStream writes SSE events in the Anthropic streaming format.
func serveAnthropicStream(w http.ResponseWriter, id, model string, words []string, thinking bool, inTokens, outTokens int) {
	send := sse(w)

	send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  inTokens,
				"output_tokens": 0,
			},
		},
	})

	index := 0
	if thinking {
		send("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": map[string]string{"type": "thinking", "thinking": ""},
		})
		send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]string{"type": "thinking_delta", "thinking": fakeReasoning},
		})
		send("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})
		index++
	}

	send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	send("ping", map[string]string{"type": "ping"})

	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]string{"type": "text_delta", "text": word},
		})
	}

	send("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})
	send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	send("message_stop", map[string]string{"type": "message_stop"})
}
