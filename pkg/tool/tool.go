package tool

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/calder-ai/steward/pkg/user"
)

// Parameter defines one argument of a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Handler is the function signature for tool execution. A non-nil error is
// converted into a failed Result by the registry; it never reaches the
// caller as an error.
type Handler func(ctx context.Context, tc *Context, args map[string]interface{}) (*Result, error)

// Definition declares a tool: its schema, access policy, and handler.
type Definition struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Parameters   []Parameter `json:"parameters"`
	AccessGroups []string    `json:"access_groups,omitempty"` // empty = visible to all users
	Handler      Handler     `json:"-"`
}

// Schema is the LLM-facing description of a tool.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Call is a single tool invocation requested by the LLM.
type Call struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Result is the outcome of one tool execution. ResultForLLM is the text fed
// back into the conversation; Component optionally carries a structured
// payload for UI rendering.
type Result struct {
	Success      bool                   `json:"success"`
	ResultForLLM string                 `json:"result_for_llm,omitempty"`
	Component    interface{}            `json:"component,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Ok builds a successful result with the given LLM-facing text.
func Ok(resultForLLM string) *Result {
	return &Result{Success: true, ResultForLLM: resultForLLM}
}

// Fail builds a failed result with the given error text.
func Fail(errText string) *Result {
	return &Result{Success: false, Error: errText}
}

// Context carries per-turn runtime information into tool handlers.
type Context struct {
	User           *user.User
	ConversationID string
	RequestID      string
	CallID         string
	Logger         zerolog.Logger
}

// RejectionError signals that an argument transformer refused the call. The
// registry converts it into a failed Result flagged as rejected.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("tool call rejected: %s", e.Reason)
}

// Reject is a convenience constructor for RejectionError.
func Reject(reason string) *RejectionError {
	return &RejectionError{Reason: reason}
}

// ArgTransformer rewrites or rejects tool arguments before execution.
// Implementations can inject server-side values the LLM must not control, or
// return a RejectionError to block the call.
type ArgTransformer interface {
	TransformArgs(ctx context.Context, tc *Context, toolName string, args map[string]interface{}) (map[string]interface{}, error)
}
