// Package anthropic implements providers.Provider on the Anthropic Messages
// API through the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	// The SDK appends "v1/messages" itself.
	defaultBaseURL   = "https://api.anthropic.com/"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

type Provider struct {
	model          string
	thinkingBudget int64
	client         anthropic.Client
}

// New is the providers.Constructor for Anthropic. The model config may set
// "thinking_budget" (tokens) to enable extended thinking, which is returned
// as reasoning.
func New(cfg providers.Config) (providers.Provider, error) {
	if cfg.Credential == "" {
		return nil, errors.New("anthropic: credential is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model name is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	p := &Provider{model: cfg.Model}
	if v, ok := cfg.Options["thinking_budget"].(float64); ok && v > 0 {
		p.thinkingBudget = int64(v)
	}
	p.client = anthropic.NewClient(
		option.WithAPIKey(cfg.Credential),
		option.WithBaseURL(base),
		option.WithHTTPClient(providers.HTTPClient(cfg.Timeout)),
		option.WithMaxRetries(0),
	)
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	msg, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, toProviderError(err)
	}
	if len(msg.Content) == 0 {
		return nil, errs.Upstream(nil)
	}

	var text, reasoning strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(v.Thinking)
		}
	}

	return &providers.Response{
		ID:        msg.ID,
		Model:     string(msg.Model),
		Text:      text.String(),
		Reasoning: reasoning.String(),
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Stream forwards text and thinking deltas. Events are also folded into a
// Message so the final usage comes from message_start/message_delta.
func (p *Provider) Stream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	params := p.params(req)

	return providers.NewStream(ctx, func(ctx context.Context, emit providers.Emit) (providers.Usage, error) {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var acc anthropic.Message
		for stream.Next() {
			ev := stream.Current()
			if err := acc.Accumulate(ev); err != nil {
				return usageOf(acc), fmt.Errorf("anthropic: accumulate stream: %w", err)
			}

			delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			var c providers.Chunk
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				c.Text = d.Text
			case anthropic.ThinkingDelta:
				c.Reasoning = d.Thinking
			}
			if c.Text == "" && c.Reasoning == "" {
				continue
			}
			if !emit(c) {
				return usageOf(acc), ctx.Err()
			}
		}
		if err := stream.Err(); err != nil {
			return usageOf(acc), toProviderError(err)
		}
		return usageOf(acc), nil
	}), nil
}

func usageOf(m anthropic.Message) providers.Usage {
	return providers.Usage{
		PromptTokens:     int(m.Usage.InputTokens),
		CompletionTokens: int(m.Usage.OutputTokens),
	}
}

// params folds system turns into the top-level system prompt, which the
// Messages API keeps outside the conversation.
func (p *Provider) params(req *providers.Request) anthropic.MessageNewParams {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n")}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if p.thinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(p.thinkingBudget)
	}
	return params
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
