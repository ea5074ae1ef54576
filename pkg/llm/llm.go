package llm

import (
	"context"
	"fmt"
	"regexp"

	"github.com/calder-ai/steward/pkg/convo"
	"github.com/calder-ai/steward/pkg/tool"
)

// Request is a provider-agnostic LLM request.
type Request struct {
	Model        string          `json:"model"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Messages     []convo.Message `json:"messages"`
	Tools        []tool.Schema   `json:"tools,omitempty"`
	MaxTokens    int             `json:"max_tokens,omitempty"`
	Temperature  float64         `json:"temperature,omitempty"`
}

// Response is a provider-agnostic LLM response. A response with tool calls
// asks the engine for another round-trip after the calls execute.
// FinishReason is the provider's stop reason verbatim, such as "end_turn" or
// "tool_use" for Anthropic and "stop" or "tool_calls" for OpenAI.
type Response struct {
	Content      string      `json:"content"`
	ToolCalls    []tool.Call `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// HasToolCalls reports whether the response requests tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// TokenUsage tracks token consumption for one request.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamChunk is one incremental piece of a streamed response.
type StreamChunk struct {
	Text string `json:"text"`
}

// ChunkHandler receives stream chunks as they arrive.
type ChunkHandler func(chunk StreamChunk)

// Service is the LLM provider abstraction.
type Service interface {
	// SendRequest performs one blocking round-trip.
	SendRequest(ctx context.Context, req Request) (*Response, error)

	// StreamRequest performs one round-trip, delivering text deltas to
	// onChunk as they arrive, and returns the accumulated response.
	StreamRequest(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error)

	// ValidateTools checks that the given schemas are acceptable to the
	// provider before a turn starts.
	ValidateTools(ctx context.Context, schemas []tool.Schema) error

	// Provider returns the provider name for logging and metrics.
	Provider() string
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// validateToolSchemas enforces the constraints common to all providers:
// unique names matching the provider-safe pattern, each with a description.
func validateToolSchemas(schemas []tool.Schema) error {
	seen := map[string]bool{}
	for _, s := range schemas {
		if !toolNamePattern.MatchString(s.Name) {
			return fmt.Errorf("invalid tool name: %q", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate tool name: %q", s.Name)
		}
		if s.Description == "" {
			return fmt.Errorf("tool %s has no description", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
