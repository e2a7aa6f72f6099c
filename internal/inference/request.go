package inference

import (
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Request is the body of POST /inference.
type Request struct {
	ModelID     string              `json:"model_id"`
	Messages    []providers.Message `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Tags        map[string]any      `json:"tags,omitempty"`
}

// Validate checks the request shape and sampling ranges.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.ModelID) == "" {
		return errs.Validation("model_id is required")
	}
	if len(r.Messages) == 0 {
		return errs.Validation("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return errs.Validation("messages[%d].role must be one of: user, assistant, system", i)
		}
		if m.Content == "" {
			return errs.Validation("messages[%d].content is required", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errs.Validation("temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return errs.Validation("top_p must be between 0 and 1")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errs.Validation("max_tokens must be positive")
	}
	return nil
}

func (r *Request) providerRequest() *providers.Request {
	return &providers.Request{
		Messages:    r.Messages,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		MaxTokens:   r.MaxTokens,
	}
}

// Usage is the token accounting returned to callers.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

func usageOf(u providers.Usage) Usage {
	return Usage{Prompt: u.PromptTokens, Completion: u.CompletionTokens, Total: u.Total()}
}

// Response is the result of a completed dispatch. ID is the log id.
type Response struct {
	ID             string `json:"id"`
	ModelID        string `json:"model_id"`
	Provider       string `json:"provider"`
	Text           string `json:"text"`
	Reasoning      string `json:"reasoning,omitempty"`
	Usage          Usage  `json:"usage"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}
