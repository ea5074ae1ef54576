package convo

import (
	"time"

	"github.com/google/uuid"

	"github.com/calder-ai/steward/pkg/tool"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation transcript. Assistant messages may
// carry tool calls; tool messages carry the result of exactly one call,
// correlated through ToolCallID.
type Message struct {
	ID         string                 `json:"id"`
	Role       Role                   `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []tool.Call            `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewUserMessage builds a user message.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssistantMessage builds an assistant message, optionally carrying tool
// calls.
func NewAssistantMessage(content string, toolCalls []tool.Call) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolMessage builds a tool result message correlated to a tool call.
func NewToolMessage(toolCallID, toolName, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Timestamp:  time.Now().UTC(),
	}
}

// Conversation is an ordered transcript owned by a single user.
type Conversation struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Title     string                 `json:"title,omitempty"`
	Messages  []Message              `json:"messages"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AddMessage appends a message and bumps the update timestamp.
func (c *Conversation) AddMessage(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now().UTC()
}

// LastMessage returns the most recent message, or nil for an empty
// transcript.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Summary is the listing view of a conversation, without its messages.
type Summary struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
