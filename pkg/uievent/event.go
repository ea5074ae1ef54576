package uievent

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	KindTextDelta        Kind = "text_delta"
	KindAssistantMessage Kind = "assistant_message"
	KindToolResult       Kind = "tool_result"
	KindStatus           Kind = "status"
	KindNotice           Kind = "notice"
	KindTurnEnded        Kind = "turn_ended"
)

// TerminalState describes how a turn finished.
type TerminalState string

const (
	TerminalComplete      TerminalState = "complete"
	TerminalError         TerminalState = "error"
	TerminalMaxIterations TerminalState = "max_iterations"
)

// TurnState is the engine's processing phase, surfaced through status events.
type TurnState string

const (
	StateResolving      TurnState = "resolving"
	StateEnriching      TurnState = "enriching"
	StateRequestingLLM  TurnState = "requesting_llm"
	StateExecutingTools TurnState = "executing_tools"
	StateResponding     TurnState = "responding"
)

// Event is a single item on the turn's output stream. Exactly one payload
// field is set, selected by Kind.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	TextDelta  *TextDelta        `json:"text_delta,omitempty"`
	Assistant  *AssistantMessage `json:"assistant,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	Status     *Status           `json:"status,omitempty"`
	Notice     *Notice           `json:"notice,omitempty"`
	TurnEnded  *TurnEnded        `json:"turn_ended,omitempty"`
}

// TextDelta is an incremental chunk of streamed assistant text.
type TextDelta struct {
	Text string `json:"text"`
}

// AssistantMessage is a complete assistant response for one LLM round-trip.
type AssistantMessage struct {
	Content string `json:"content"`
}

// ToolResult reports one finished tool execution. Component carries the
// tool's structured UI payload when one was produced.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	ToolName   string      `json:"tool_name"`
	Success    bool        `json:"success"`
	Summary    string      `json:"summary,omitempty"`
	Component  interface{} `json:"component,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Status announces a phase transition inside the turn.
type Status struct {
	State  TurnState `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// Notice is a user-facing message that is not assistant content, such as a
// policy rejection explained in plain language.
type Notice struct {
	Text string `json:"text"`
}

// TurnEnded closes the stream. It is always the last event of a turn.
type TurnEnded struct {
	State TerminalState `json:"state"`
	Error string        `json:"error,omitempty"`
}

func newEvent(kind Kind, conversationID string) Event {
	id, _ := gonanoid.New()
	return Event{
		ID:             id,
		Kind:           kind,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	}
}

// NewTextDelta builds a text delta event.
func NewTextDelta(conversationID, text string) Event {
	ev := newEvent(KindTextDelta, conversationID)
	ev.TextDelta = &TextDelta{Text: text}
	return ev
}

// NewAssistantMessage builds a completed assistant message event.
func NewAssistantMessage(conversationID, content string) Event {
	ev := newEvent(KindAssistantMessage, conversationID)
	ev.Assistant = &AssistantMessage{Content: content}
	return ev
}

// NewToolResult builds a tool result event.
func NewToolResult(conversationID string, result ToolResult) Event {
	ev := newEvent(KindToolResult, conversationID)
	ev.ToolResult = &result
	return ev
}

// NewStatus builds a status event for a phase transition.
func NewStatus(conversationID string, state TurnState, detail string) Event {
	ev := newEvent(KindStatus, conversationID)
	ev.Status = &Status{State: state, Detail: detail}
	return ev
}

// NewNotice builds a user-facing notice event.
func NewNotice(conversationID, text string) Event {
	ev := newEvent(KindNotice, conversationID)
	ev.Notice = &Notice{Text: text}
	return ev
}

// NewTurnEnded builds the terminal event of a turn.
func NewTurnEnded(conversationID string, state TerminalState, errText string) Event {
	ev := newEvent(KindTurnEnded, conversationID)
	ev.TurnEnded = &TurnEnded{State: state, Error: errText}
	return ev
}
