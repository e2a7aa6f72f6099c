// Package openai talks to the OpenAI chat completions API and to any server
// that speaks the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Provider is an OpenAI-protocol client bound to one model.
type Provider struct {
	name   string
	model  string
	client openaiSDK.Client
}

// New is the providers.Constructor for the hosted OpenAI API.
func New(cfg providers.Config) (providers.Provider, error) {
	return NewCompatible(providerName, defaultBaseURL, cfg)
}

// NewCompatible builds a client for an OpenAI-compatible server reported
// under name. cfg.BaseURL wins over fallbackBaseURL.
func NewCompatible(name, fallbackBaseURL string, cfg providers.Config) (*Provider, error) {
	if cfg.Credential == "" {
		return nil, fmt.Errorf("%s: credential is required", name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model name is required", name)
	}
	base := cfg.BaseURL
	if base == "" {
		base = fallbackBaseURL
	}
	if base == "" {
		return nil, fmt.Errorf("%s: base url is required", name)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.Credential),
		option.WithBaseURL(base),
		option.WithHTTPClient(providers.HTTPClient(cfg.Timeout)),
		option.WithMaxRetries(0),
	}
	if org := cfg.OptionString("organization"); org != "" {
		opts = append(opts, option.WithOrganization(org))
	}

	return &Provider{
		name:   name,
		model:  cfg.Model,
		client: openaiSDK.NewClient(opts...),
	}, nil
}

func (p *Provider) Name() string { return p.name }

// Generate runs a single chat completion. A response without choices is an
// upstream failure.
func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, p.toProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.Upstream(nil)
	}

	return &providers.Response{
		ID:        resp.ID,
		Model:     resp.Model,
		Text:      resp.Choices[0].Message.Content,
		Reasoning: reasoningOf(resp.RawJSON(), false),
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Stream runs a streaming chat completion. Usage is requested through
// stream_options and arrives on the final chunk.
func (p *Provider) Stream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	params := p.params(req)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	return providers.NewStream(ctx, func(ctx context.Context, emit providers.Emit) (providers.Usage, error) {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var usage providers.Usage
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = providers.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := providers.Chunk{
				Text:      chunk.Choices[0].Delta.Content,
				Reasoning: reasoningOf(chunk.RawJSON(), true),
			}
			if c.Text == "" && c.Reasoning == "" {
				continue
			}
			if !emit(c) {
				return usage, ctx.Err()
			}
		}
		if err := stream.Err(); err != nil {
			return usage, p.toProviderError(err)
		}
		return usage, nil
	}), nil
}

func (p *Provider) params(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    p.model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	return params
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       p.name + "_error",
		}
	}
	return err
}

// reasoningOf extracts chain of thought that some OpenAI-compatible servers
// (DeepSeek, vLLM, Ollama) return next to the content.
func reasoningOf(raw string, delta bool) string {
	path := "choices.0.message."
	if delta {
		path = "choices.0.delta."
	}
	for _, field := range []string{"reasoning_content", "reasoning"} {
		if v := gjson.Get(raw, path+field); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
