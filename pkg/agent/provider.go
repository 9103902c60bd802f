package agent

import (
	"context"
	"fmt"
)

// Provider is the opaque model capability: given the ordered conversation
// it returns one response message, possibly carrying tool-call requests.
type Provider interface {
	// Invoke makes a single model call.
	Invoke(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name.
	Name() string
}

// Request contains the parameters for one model invocation.
type Request struct {
	Model        string
	Messages     []ChatMessage
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response is the model's reply for one Decide step.
type Response struct {
	Content   string
	ToolCalls []ToolCallRequest
	Usage     *TokenUsage
}

// ToolCallRequest is one tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// NewProvider creates a model provider for the given vendor name.
func NewProvider(vendor, apiKey string) (Provider, error) {
	switch vendor {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", vendor)
	}
}
