package evals

import (
	"time"

	"github.com/calder-ai/steward/pkg/uievent"
)

// ExpectedOutcome is the machine-checkable expectation for a test case.
// Zero-valued fields are not checked.
type ExpectedOutcome struct {
	OutputContains    []string      `json:"output_contains,omitempty"`
	OutputNotContains []string      `json:"output_not_contains,omitempty"`
	ExpectedTools     []string      `json:"expected_tools,omitempty"`
	MinToolResults    int           `json:"min_tool_results,omitempty"`
	MinComponents     int           `json:"min_components,omitempty"`
	MaxLatency        time.Duration `json:"max_latency,omitempty"`
}

// TestCase is one scripted exchange: a user identity, a message, and the
// expectations to score the captured transcript against.
type TestCase struct {
	Name           string          `json:"name"`
	UserID         string          `json:"user_id,omitempty"`
	Message        string          `json:"message"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Expect         ExpectedOutcome `json:"expect"`
}

// Transcript is everything captured from one agent run: the raw event
// stream plus the derived fields the evaluators score.
type Transcript struct {
	Events          []uievent.Event
	FinalOutput     string
	ToolsUsed       []string
	ToolResultCount int
	ComponentCount  int
	Terminal        uievent.TerminalState
	TerminalError   string
	Latency         time.Duration
}

// usedTool reports whether the named tool produced a result during the run.
func (t *Transcript) usedTool(name string) bool {
	for _, used := range t.ToolsUsed {
		if used == name {
			return true
		}
	}
	return false
}

// EvaluationResult records the outcome of one (variant, test case) run.
// Errored runs (the agent ended in a terminal error) are distinct from runs
// that completed but scored below the pass threshold.
type EvaluationResult struct {
	Variant         string
	TestName        string
	Passed          bool
	Errored         bool
	Score           float64
	Latency         time.Duration
	FailureReason   string
	EvaluatorScores map[string]float64
}

// buildTranscript derives the scored fields from a captured event stream.
func buildTranscript(events []uievent.Event, latency time.Duration) *Transcript {
	tr := &Transcript{
		Events:  events,
		Latency: latency,
	}

	for _, ev := range events {
		switch ev.Kind {
		case uievent.KindAssistantMessage:
			if ev.Assistant != nil {
				tr.FinalOutput = ev.Assistant.Content
			}
		case uievent.KindToolResult:
			if ev.ToolResult != nil {
				tr.ToolResultCount++
				if ev.ToolResult.Component != nil {
					tr.ComponentCount++
				}
				if !tr.usedTool(ev.ToolResult.ToolName) {
					tr.ToolsUsed = append(tr.ToolsUsed, ev.ToolResult.ToolName)
				}
			}
		case uievent.KindTurnEnded:
			if ev.TurnEnded != nil {
				tr.Terminal = ev.TurnEnded.State
				tr.TerminalError = ev.TurnEnded.Error
			}
		}
	}

	return tr
}
