package lifecycle

import (
	"context"

	"github.com/calder-ai/steward/pkg/convo"
	"github.com/calder-ai/steward/pkg/tool"
	"github.com/calder-ai/steward/pkg/user"
)

// TurnInfo describes the turn a hook observes.
type TurnInfo struct {
	User           *user.User
	ConversationID string
	RequestID      string
	Message        string
}

// BeforeMessageHook runs before the engine processes a user message. A
// returned PolicyError ends the turn gracefully with a user-facing notice;
// any other error fails the turn.
type BeforeMessageHook interface {
	Name() string
	BeforeMessage(ctx context.Context, info *TurnInfo) error
}

// AfterMessageHook runs after the turn completes and the conversation is
// persisted. Errors are logged, never surfaced; the turn already succeeded.
type AfterMessageHook interface {
	Name() string
	AfterMessage(ctx context.Context, info *TurnInfo, conv *convo.Conversation) error
}

// BeforeToolHook runs before each tool execution.
type BeforeToolHook interface {
	Name() string
	BeforeTool(ctx context.Context, info *TurnInfo, call tool.Call) error
}

// AfterToolHook runs after each tool execution with its result.
type AfterToolHook interface {
	Name() string
	AfterTool(ctx context.Context, info *TurnInfo, call tool.Call, result tool.Result) error
}

// ContextEnricher contributes extra system-prompt context for a turn, such
// as recalled memory or user preferences. Returning "" contributes nothing.
type ContextEnricher interface {
	Name() string
	Enrich(ctx context.Context, info *TurnInfo) (string, error)
}

// ConversationFilter rewrites the transcript before it is sent to the LLM.
// Typical uses: trimming old messages, redacting secrets. The stored
// conversation is never modified, only the request view.
type ConversationFilter interface {
	Name() string
	Filter(ctx context.Context, info *TurnInfo, messages []convo.Message) ([]convo.Message, error)
}
