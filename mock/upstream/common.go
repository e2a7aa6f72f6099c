package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the behaviour shared by every mock dialect.
type Config struct {
	Port        int
	Latency     time.Duration
	ErrorRate   float64
	StreamWords int
	Reasoning   bool
}

func loadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("mock")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	v.SetDefault("MOCK_PORT", 19000)
	v.SetDefault("MOCK_LATENCY", "0s")
	v.SetDefault("MOCK_ERROR_RATE", 0)
	v.SetDefault("MOCK_STREAM_WORDS", 10)
	v.SetDefault("MOCK_REASONING", false)

	c := Config{
		Port:        v.GetInt("MOCK_PORT"),
		Latency:     v.GetDuration("MOCK_LATENCY"),
		ErrorRate:   v.GetFloat64("MOCK_ERROR_RATE"),
		StreamWords: v.GetInt("MOCK_STREAM_WORDS"),
		Reasoning:   v.GetBool("MOCK_REASONING"),
	}
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return c, fmt.Errorf("MOCK_ERROR_RATE must be within [0,1], got %v", c.ErrorRate)
	}
	if c.StreamWords < 1 {
		return c, fmt.Errorf("MOCK_STREAM_WORDS must be ≥ 1, got %d", c.StreamWords)
	}
	return c, nil
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns n words of filler text.
func fakeSentence(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return words
}

// fakeReasoning is the fixed thinking text emitted when Reasoning is on.
const fakeReasoning = "Considering the request step by step."

// promptTokens is a rough count of the words in every message.
func promptTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(strings.Fields(t))
	}
	return max(n, 1)
}

// prelude applies latency and error injection; false means the response
// was already written.
func prelude(w http.ResponseWriter, r *http.Request, cfg Config, fail func(http.ResponseWriter)) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return false
	}
	if cfg.Latency > 0 {
		select {
		case <-time.After(cfg.Latency):
		case <-r.Context().Done():
			return false
		}
	}
	if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
		fail(w)
		return false
	}
	return true
}

// sse prepares w for an event stream and returns a frame writer.
func sse(w http.ResponseWriter) func(event string, data any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return func(event string, data any) {
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		switch d := data.(type) {
		case string:
			fmt.Fprintf(w, "data: %s\n\n", d)
		default:
			b, _ := json.Marshal(d)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
