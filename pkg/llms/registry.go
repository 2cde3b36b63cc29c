package llms

import (
	"context"
	"fmt"
	"strings"
)

// SupportedProviders lists the provider names accepted in report configs.
var SupportedProviders = []string{"openai", "azure", "openrouter", "gemini", "local"}

// ProviderConfig selects and parameterizes a provider backend.
type ProviderConfig struct {
	Provider     string
	APIKey       string
	LocalAddress string

	// EmbeddingAtLocal marks runs whose embeddings come from a local
	// server; Azure then skips its embedding deployment checks.
	EmbeddingAtLocal bool
}

// NewProvider builds the provider named in cfg. Azure reads its deployment
// settings from the environment; local needs an address and no key.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAI(cfg.APIKey), nil
	case "azure":
		return NewAzure(!cfg.EmbeddingAtLocal)
	case "openrouter":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openrouter provider requires an API key")
		}
		return NewOpenRouter(cfg.APIKey), nil
	case "gemini":
		return NewGemini(ctx, cfg.APIKey)
	case "local":
		if cfg.LocalAddress == "" {
			return nil, fmt.Errorf("local provider requires local_llm_address")
		}
		return NewLocal(cfg.LocalAddress), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q (supported: %s)",
			cfg.Provider, strings.Join(SupportedProviders, ", "))
	}
}
