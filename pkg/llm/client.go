package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Client is the provider-agnostic text generation interface.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// ProviderFactory creates a Client for a given model name within a provider.
type ProviderFactory func(modelName string) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderFactory{}
)

func init() {
	RegisterProvider("echo", func(modelName string) (Client, error) {
		return EchoClient{Model: modelName}, nil
	})
}

// RegisterProvider registers a factory function for a named provider.
// Call this from init() in provider packages.
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Providers returns the registered provider names.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// NewClient constructs a Client for a "provider:model-name" model ID.
func NewClient(modelID string) (Client, error) {
	provider, modelName, err := ParseModelID(modelID)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	registryMu.RLock()
	factory, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (model ID %q); is the providers package imported?", provider, modelID)
	}
	return factory(modelName)
}

// EchoClient returns the prompt as the generated text. It needs no
// credentials and backs dry runs and tests.
type EchoClient struct {
	Model string
}

func (c EchoClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResponse{}, err
	}
	text := req.Prompt
	stop := StopReasonEndTurn
	words := strings.Fields(text)
	if limit := req.MaxTokensOr(); len(words) > limit {
		text = strings.Join(words[:limit], " ")
		stop = StopReasonMaxTokens
	}
	return GenerateResponse{
		Text:       text,
		Model:      "echo:" + c.Model,
		StopReason: stop,
		Usage: Usage{
			InputTokens:  len(strings.Fields(req.System)) + len(words),
			OutputTokens: len(strings.Fields(text)),
		},
	}, nil
}
