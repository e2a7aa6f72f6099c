// Package providers defines the capability every LLM backend implements and
// the registry that builds provider instances from a model's stored
// configuration plus the caller's credential.
//
// Each backend lives in its own sub-package (openai, azure, anthropic,
// local, gemini) and exposes a Constructor named New.
package providers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
)

// Kind is the closed set of provider tags a Model may carry.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAzure     Kind = "azure"
	KindAnthropic Kind = "anthropic"
	KindLocal     Kind = "local"
	KindGemini    Kind = "gemini"
)

// Kinds lists every supported provider tag.
func Kinds() []Kind {
	return []Kind{KindOpenAI, KindAzure, KindAnthropic, KindLocal, KindGemini}
}

// ParseKind maps a stored provider tag to a Kind. Tags are matched
// case-sensitively; anything else is an *errs.UnsupportedProviderError.
func ParseKind(tag string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == tag {
			return k, nil
		}
	}
	return "", errs.UnsupportedProvider(tag)
}

type (
	// Message is one conversation turn.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage counts tokens for one completion.
	Usage struct {
		PromptTokens     int `json:"prompt"`
		CompletionTokens int `json:"completion"`
	}

	// Request is a normalized completion request. Optional sampling fields
	// are forwarded only when non-nil.
	Request struct {
		Messages    []Message
		Temperature *float64
		TopP        *float64
		MaxTokens   *int
	}

	// Response is a normalized, non-streaming completion.
	Response struct {
		ID        string
		Model     string
		Text      string
		Reasoning string
		Usage     Usage
	}
)

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Provider is a configured client bound to one model and one credential.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (*Stream, error)
}

// Config carries everything a Constructor needs.
type Config struct {
	Credential string
	BaseURL    string
	// Model is the provider-native model (or deployment) name.
	Model string
	// Timeout bounds the wait for response headers; the body of a stream
	// may take longer.
	Timeout time.Duration
	// Options is the model's free-form config column.
	Options map[string]any
}

// Constructor builds a Provider for one Kind.
type Constructor func(Config) (Provider, error)

// Registry maps provider kinds to constructors.
type Registry struct {
	ctors map[Kind]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[Kind]Constructor)}
}

// Register installs c for k, replacing any previous constructor.
func (r *Registry) Register(k Kind, c Constructor) {
	r.ctors[k] = c
}

// Build constructs a provider of kind k.
func (r *Registry) Build(k Kind, cfg Config) (Provider, error) {
	c, ok := r.ctors[k]
	if !ok {
		return nil, errs.UnsupportedProvider(string(k))
	}
	p, err := c(cfg)
	if err != nil {
		return nil, errs.ProviderConfig(string(k), err)
	}
	return p, nil
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a structured failure reported by a provider API.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// HTTPClient returns a client whose transport bounds connection setup and
// the wait for response headers by timeout. A zero timeout means no bound.
func HTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		tr.ResponseHeaderTimeout = timeout
		tr.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	}
	return &http.Client{Transport: tr}
}

// OptionString reads a string option from the model config.
func (c Config) OptionString(key string) string {
	if c.Options == nil {
		return ""
	}
	s, _ := c.Options[key].(string)
	return strings.TrimSpace(s)
}
