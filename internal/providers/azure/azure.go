// Package azure implements providers.Provider for Azure OpenAI over its REST
// API. Azure addresses deployments rather than models and authenticates with
// the "api-key" header.
//
// The model's base URL is the resource endpoint
// (https://myresource.openai.azure.com). The deployment defaults to the model
// name and may be overridden with the "deployment" config option; the
// "api_version" option overrides the gateway-wide default.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	providerName      = "azure"
	DefaultAPIVersion = "2024-10-21"
)

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Provider is an Azure OpenAI deployment client.
type Provider struct {
	endpoint   string
	deployment string
	apiKey     string
	apiVersion string
	client     *http.Client
}

// NewConstructor returns a providers.Constructor that falls back to
// apiVersion when a model does not pin its own.
func NewConstructor(apiVersion string) providers.Constructor {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return func(cfg providers.Config) (providers.Provider, error) {
		return New(cfg, apiVersion)
	}
}

// New builds a Provider from cfg.
func New(cfg providers.Config, defaultAPIVersion string) (*Provider, error) {
	if cfg.Credential == "" {
		return nil, errors.New("azure: credential is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("azure: base url (resource endpoint) is required")
	}
	deployment := cfg.OptionString("deployment")
	if deployment == "" {
		deployment = cfg.Model
	}
	if deployment == "" {
		return nil, errors.New("azure: deployment or model name is required")
	}
	version := cfg.OptionString("api_version")
	if version == "" {
		version = defaultAPIVersion
	}

	return &Provider{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/"),
		deployment: deployment,
		apiKey:     cfg.Credential,
		apiVersion: version,
		client:     providers.HTTPClient(cfg.Timeout),
	}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) completionsURL() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, url.PathEscape(p.deployment), url.QueryEscape(p.apiVersion))
}

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return nil, errs.Upstream(nil)
	}

	out := &providers.Response{
		ID:    cr.ID,
		Model: cr.Model,
		Text:  cr.Choices[0].Message.Content,
	}
	if cr.Usage != nil {
		out.Usage = providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	return providers.NewStream(ctx, func(ctx context.Context, emit providers.Emit) (providers.Usage, error) {
		resp, err := p.do(ctx, req, true)
		if err != nil {
			return providers.Usage{}, err
		}
		defer resp.Body.Close()

		var u providers.Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			if data == "[DONE]" {
				return u, nil
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if cr.Usage != nil {
				u = providers.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
				}
			}
			if len(cr.Choices) == 0 || cr.Choices[0].Delta == nil || cr.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(providers.Chunk{Text: cr.Choices[0].Delta.Content}) {
				return u, ctx.Err()
			}
		}
		if err := scanner.Err(); err != nil {
			return u, fmt.Errorf("azure: read stream: %w", err)
		}
		return u, nil
	}), nil
}

func (p *Provider) do(ctx context.Context, req *providers.Request, stream bool) (*http.Response, error) {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{
		Messages:    msgs,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	if stream {
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
			Type:       cr.Error.Type,
			Code:       cr.Error.Code,
		}
	}
	return &providers.Error{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "azure_error",
	}
}
