// Package llm provides completion and embedding clients.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when no provider API key is available.
	ErrNotConfigured = errors.New("llm provider not configured")

	// ErrEmptyCompletion is returned when a stream ends without any text.
	ErrEmptyCompletion = errors.New("completion returned no text")
)

// StreamCallback is called for each token during streaming. Returning an
// error aborts the stream and CompleteStream returns that error.
type StreamCallback func(token string, index int) error

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for completion providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Options configures a completion client.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewClient creates a completion client for the provider.
func NewClient(provider Provider, opts Options) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(opts)
	case ProviderAnthropic:
		return NewAnthropicClient(opts)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// flattenSystem folds the system prompt into the first user message for
// providers called without a dedicated system field.
func flattenSystem(system string, messages []ChatMessage) []ChatMessage {
	if system == "" {
		return messages
	}
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.Role == "user" {
			out[i].Content = system + "\n\n" + m.Content
			return out
		}
	}
	return append([]ChatMessage{{Role: "user", Content: system}}, out...)
}
