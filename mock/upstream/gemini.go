package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

type generateRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

// mountGemini serves the generative language API used by the genai SDK:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent?alt=sse
//
// where {base} is /v1beta. Thought parts carry "thought": true.
func mountGemini(mux *http.ServeMux, cfg Config) {
	mux.HandleFunc("/v1beta/models/{call}", func(w http.ResponseWriter, r *http.Request) {
		model, method, ok := strings.Cut(r.PathValue("call"), ":")
		if !ok {
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
			return
		}

		var stream bool
		switch method {
		case "generateContent":
		case "streamGenerateContent":
			stream = true
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown method %s", method))
			return
		}

		fail := func(w http.ResponseWriter) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
		}
		if !prelude(w, r, cfg, fail) {
			return
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeGeminiError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		var texts []string
		for _, c := range req.Contents {
			for _, p := range c.Parts {
				texts = append(texts, p.Text)
			}
		}

		handleGeminiGenerate(w, cfg, model, stream, promptTokens(texts...))
	})
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool, inTokens int) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	words := fakeSentence(cfg.StreamWords)
	outTokens := len(words)

	response := func(parts []map[string]any, finish string) map[string]any {
		candidate := map[string]any{
			"content": map[string]any{"role": "model", "parts": parts},
			"index":   0,
		}
		if finish != "" {
			candidate["finishReason"] = finish
		}
		return map[string]any{
			"candidates": []any{candidate},
			"usageMetadata": map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": outTokens,
				"totalTokenCount":      inTokens + outTokens,
			},
			"responseId":   id,
			"modelVersion": model,
		}
	}

	if !stream {
		var parts []map[string]any
		if cfg.Reasoning {
			parts = append(parts, map[string]any{"text": fakeReasoning, "thought": true})
		}
		parts = append(parts, map[string]any{"text": strings.Join(words, " ")})
		writeJSON(w, http.StatusOK, response(parts, "STOP"))
		return
	}

	send := sse(w)
	if cfg.Reasoning {
		send("", response([]map[string]any{{"text": fakeReasoning, "thought": true}}, ""))
	}
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		finish := ""
		if i == len(words)-1 {
			finish = "STOP"
		}
		send("", response([]map[string]any{{"text": word}}, finish))
	}
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	state := "INTERNAL"
	switch status {
	case http.StatusBadRequest:
		state = "INVALID_ARGUMENT"
	case http.StatusNotFound:
		state = "NOT_FOUND"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  state,
		},
	})
}
