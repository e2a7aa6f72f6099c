// Package local serves models hosted on a self-managed OpenAI-compatible
// server (vLLM, Ollama, llama.cpp, LM Studio). The base URL is mandatory.
package local

import (
	"errors"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/providers/openai"
)

const providerName = "local"

// New is the providers.Constructor for local servers.
func New(cfg providers.Config) (providers.Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("local: base url is required")
	}
	return openai.NewCompatible(providerName, "", cfg)
}
