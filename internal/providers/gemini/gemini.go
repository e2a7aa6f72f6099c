// Package gemini implements providers.Provider on the Gemini API through the
// Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const providerName = "gemini"

type Provider struct {
	model  string
	client *genai.Client
}

// New is the providers.Constructor for Gemini. A base URL ending in an API
// version segment (".../v1beta") pins that version.
func New(cfg providers.Config) (providers.Provider, error) {
	if cfg.Credential == "" {
		return nil, errors.New("gemini: credential is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini: model name is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.Credential,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: providers.HTTPClient(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		base, version := splitBaseURLAndVersion(cfg.BaseURL)
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: version}
	}

	// NewClient does no I/O for the Gemini API backend.
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{model: cfg.Model, client: client}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	contents, cfg := buildContents(req)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, errs.Upstream(nil)
	}

	text, reasoning := splitParts(resp.Candidates[0])
	return &providers.Response{
		ID:        resp.ResponseID,
		Model:     p.model,
		Text:      text,
		Reasoning: reasoning,
		Usage:     usageOf(resp.UsageMetadata),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	contents, cfg := buildContents(req)

	return providers.NewStream(ctx, func(ctx context.Context, emit providers.Emit) (providers.Usage, error) {
		var u providers.Usage
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				return u, toProviderError(err)
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				u = usageOf(resp.UsageMetadata)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			text, reasoning := splitParts(resp.Candidates[0])
			if text == "" && reasoning == "" {
				continue
			}
			if !emit(providers.Chunk{Text: text, Reasoning: reasoning}) {
				return u, ctx.Err()
			}
		}
		return u, nil
	}), nil
}

// buildContents maps system turns to the system instruction and assistant
// turns to the "model" role.
func buildContents(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(system) == 0 && req.Temperature == nil && req.TopP == nil && req.MaxTokens == nil {
		return contents, nil
	}
	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n")}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	return contents, cfg
}

// splitParts separates answer text from parts flagged as thoughts.
func splitParts(c *genai.Candidate) (text, reasoning string) {
	if c.Content == nil {
		return "", ""
	}
	var t, r strings.Builder
	for _, part := range c.Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if part.Thought {
			r.WriteString(part.Text)
		} else {
			t.WriteString(part.Text)
		}
	}
	return t.String(), r.String()
}

func usageOf(m *genai.GenerateContentResponseUsageMetadata) providers.Usage {
	if m == nil {
		return providers.Usage{}
	}
	return providers.Usage{
		PromptTokens:     int(m.PromptTokenCount),
		CompletionTokens: int(m.CandidatesTokenCount),
	}
}

func splitBaseURLAndVersion(raw string) (baseURL, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}
	u.Path = "/" + strings.Join(parts, "/")
	baseURL = strings.TrimRight(u.String(), "/") + "/"
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
