package llms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewProvider(ctx, ProviderConfig{Provider: "openai"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")

	_, err = NewProvider(ctx, ProviderConfig{Provider: "openrouter"})
	require.Error(t, err)

	_, err = NewProvider(ctx, ProviderConfig{Provider: "local"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local_llm_address")

	_, err = NewProvider(ctx, ProviderConfig{Provider: "anthropic", APIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestNewProviderBuildsCompatBackends(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, ProviderConfig{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	p, err = NewProvider(ctx, ProviderConfig{Provider: "OpenRouter", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Name())

	p, err = NewProvider(ctx, ProviderConfig{Provider: "local", LocalAddress: "localhost:11434"})
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())
}
