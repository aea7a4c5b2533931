package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrank/runner/internal/llm/circuitbreaker"
	"github.com/llmrank/runner/internal/llm/keypool"
	"github.com/llmrank/runner/internal/llm/providers"
	"github.com/llmrank/runner/internal/llm/usage"
)

func testPool(t *testing.T, names ...string) *keypool.Pool {
	t.Helper()
	creds := make(map[string][]keypool.CredentialConfig, len(names))
	for _, name := range names {
		creds[name] = []keypool.CredentialConfig{{
			ID:       name + "-0",
			Key:      "k",
			Capacity: 100,
		}}
	}
	pool, err := keypool.NewPool(creds, circuitbreaker.DefaultConfig(), nil)
	require.NoError(t, err)
	return pool
}

func TestNewClientValidation(t *testing.T) {
	specs := []providers.Spec{{
		Name:     "openai",
		Shape:    providers.ShapeChatCompletions,
		Endpoint: "https://api.openai.com/v1/chat/completions",
	}}

	_, err := NewClient(Config{Providers: specs, Pricing: usage.NewTable(nil)})
	assert.Error(t, err, "pool required")

	_, err = NewClient(Config{Providers: specs, Pool: testPool(t, "openai")})
	assert.Error(t, err, "pricing required")

	_, err = NewClient(Config{Pool: testPool(t, "openai"), Pricing: usage.NewTable(nil)})
	assert.Error(t, err, "provider specs required")
}

func TestNewClientRejectsUncredentialedProvider(t *testing.T) {
	specs := []providers.Spec{
		{Name: "openai", Shape: providers.ShapeChatCompletions, Endpoint: "https://api.openai.com/v1/chat/completions"},
		{Name: "anthropic", Shape: providers.ShapeMessages, Endpoint: "https://api.anthropic.com/v1/messages"},
	}

	_, err := NewClient(Config{
		Providers: specs,
		Pool:      testPool(t, "openai"),
		Pricing:   usage.NewTable(nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic")

	client, err := NewClient(Config{
		Providers: specs,
		Pool:      testPool(t, "openai", "anthropic"),
		Pricing:   usage.NewTable(nil),
	})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
