package runner

import (
	"context"
	"fmt"

	"github.com/strandlabs/strand/internal/config"
)

// ToolSpec describes a tool to the model
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// Request contains the parameters for one model call
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Turn is the terminal shape of one model call: either plain text or a set
// of tool invocations (possibly with interleaved text).
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// ModelProvider streams a model response. onDelta is invoked with partial
// output as it arrives; the full turn is returned once the stream ends. The
// provider never buffers the whole response before the first onDelta call.
type ModelProvider interface {
	Name() string
	Stream(ctx context.Context, req Request, onDelta func(text string)) (*Turn, error)
}

// ProviderCreator creates model providers from credential profiles
type ProviderCreator interface {
	NewProvider(profile config.ProviderProfile) (ModelProvider, error)
}

// ProviderFactory is the default ProviderCreator
type ProviderFactory struct{}

// NewProvider creates a provider for a credential profile
func (f *ProviderFactory) NewProvider(profile config.ProviderProfile) (ModelProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
