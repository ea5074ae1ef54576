package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-ai/steward/pkg/convo"
	"github.com/calder-ai/steward/pkg/lifecycle"
	"github.com/calder-ai/steward/pkg/llm"
	"github.com/calder-ai/steward/pkg/tool"
	"github.com/calder-ai/steward/pkg/uievent"
	"github.com/calder-ai/steward/pkg/user"
)

type fixture struct {
	agent    *Agent
	mock     *llm.MockService
	store    *convo.MemStore
	registry *tool.Registry
}

func newFixture(t *testing.T, script []llm.Response, mutate func(*Config)) *fixture {
	t.Helper()

	mock := llm.NewMockService(script...)
	store := convo.NewMemStore()
	registry := tool.NewRegistry(tool.RegistryConfig{Logger: zerolog.Nop()})

	resolver, err := user.NewStaticResolver(user.User{ID: "alice", Username: "alice"})
	require.NoError(t, err)

	cfg := Config{
		LLM:      mock,
		Registry: registry,
		Store:    store,
		Resolver: resolver,
		Model:    "test-model",
		Recovery: lifecycle.NoRecovery{},
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(cfg)
	require.NoError(t, err)

	return &fixture{agent: a, mock: mock, store: store, registry: registry}
}

func registerCalculator(t *testing.T, registry *tool.Registry) {
	t.Helper()
	require.NoError(t, registry.Register(tool.Definition{
		Name:        "calculator",
		Description: "Performs basic arithmetic",
		Parameters: []tool.Parameter{
			{Name: "operation", Type: "string", Description: "Operation to perform", Required: true, Enum: []string{"add", "subtract", "multiply", "divide"}},
			{Name: "a", Type: "number", Description: "First operand", Required: true},
			{Name: "b", Type: "number", Description: "Second operand", Required: true},
		},
		Handler: func(_ context.Context, _ *tool.Context, args map[string]interface{}) (*tool.Result, error) {
			a := args["a"].(float64)
			b := args["b"].(float64)
			switch args["operation"].(string) {
			case "add":
				return tool.Ok(fmt.Sprintf("%g", a+b)), nil
			case "subtract":
				return tool.Ok(fmt.Sprintf("%g", a-b)), nil
			case "multiply":
				return tool.Ok(fmt.Sprintf("%g", a*b)), nil
			case "divide":
				if b == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				return tool.Ok(fmt.Sprintf("%g", a/b)), nil
			default:
				return tool.Fail("unknown operation"), nil
			}
		},
	}))
}

func collect(events <-chan uievent.Event) []uievent.Event {
	var out []uievent.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func ofKind(events []uievent.Event, kind uievent.Kind) []uievent.Event {
	var out []uievent.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func terminal(t *testing.T, events []uievent.Event) *uievent.TurnEnded {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, uievent.KindTurnEnded, last.Kind, "stream must end with turn-ended")
	return last.TurnEnded
}

func TestSendMessageSimpleExchange(t *testing.T) {
	fx := newFixture(t, []llm.Response{{Content: "Hi! How can I help?"}}, nil)
	ctx := context.Background()

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "Hello", ""))

	t.Run("exactly one assistant event and complete terminal", func(t *testing.T) {
		assistants := ofKind(events, uievent.KindAssistantMessage)
		require.Len(t, assistants, 1)
		assert.Equal(t, "Hi! How can I help?", assistants[0].Assistant.Content)

		end := terminal(t, events)
		assert.Equal(t, uievent.TerminalComplete, end.State)
	})

	t.Run("conversation persisted with both messages", func(t *testing.T) {
		summaries, err := fx.store.List(ctx, "alice", 0, 0)
		require.NoError(t, err)
		require.Len(t, summaries, 1)

		conv, err := fx.store.Get(ctx, summaries[0].ID, "alice")
		require.NoError(t, err)
		require.Len(t, conv.Messages, 2)
		assert.Equal(t, convo.RoleUser, conv.Messages[0].Role)
		assert.Equal(t, "Hello", conv.Messages[0].Content)
		assert.Equal(t, convo.RoleAssistant, conv.Messages[1].Role)
	})

	t.Run("single llm round-trip", func(t *testing.T) {
		assert.Equal(t, 1, fx.mock.CallCount())
	})
}

func TestSendMessageToolFlow(t *testing.T) {
	ctx := context.Background()
	script := []llm.Response{
		{ToolCalls: []tool.Call{{
			ID:   "call_1",
			Name: "calculator",
			Args: map[string]interface{}{"operation": "add", "a": float64(5), "b": float64(3)},
		}}},
		{Content: "The answer is 8"},
	}

	fx := newFixture(t, script, nil)
	registerCalculator(t, fx.registry)

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "What is 5 plus 3?", ""))

	t.Run("one tool result event correlated to the call", func(t *testing.T) {
		results := ofKind(events, uievent.KindToolResult)
		require.Len(t, results, 1)
		assert.Equal(t, "call_1", results[0].ToolResult.ToolCallID)
		assert.Equal(t, "calculator", results[0].ToolResult.ToolName)
		assert.True(t, results[0].ToolResult.Success)
		assert.Equal(t, "8", results[0].ToolResult.Summary)
	})

	t.Run("final assistant event carries the answer", func(t *testing.T) {
		assistants := ofKind(events, uievent.KindAssistantMessage)
		require.Len(t, assistants, 1)
		assert.Equal(t, "The answer is 8", assistants[0].Assistant.Content)
		assert.Equal(t, uievent.TerminalComplete, terminal(t, events).State)
	})

	t.Run("tool result fed back to the llm", func(t *testing.T) {
		requests := fx.mock.Requests()
		require.Len(t, requests, 2)

		second := requests[1]
		var toolMsg *convo.Message
		for i := range second.Messages {
			if second.Messages[i].Role == convo.RoleTool {
				toolMsg = &second.Messages[i]
			}
		}
		require.NotNil(t, toolMsg)
		assert.Equal(t, "call_1", toolMsg.ToolCallID)
		assert.Equal(t, "8", toolMsg.Content)
	})
}

func TestSendMessageToolFailureFlowsBack(t *testing.T) {
	ctx := context.Background()
	script := []llm.Response{
		{ToolCalls: []tool.Call{{
			ID:   "call_1",
			Name: "flaky",
			Args: map[string]interface{}{},
		}}},
		{Content: "Something went wrong with that tool."},
	}

	fx := newFixture(t, script, nil)
	require.NoError(t, fx.registry.Register(tool.Definition{
		Name:        "flaky",
		Description: "Always fails",
		Handler: func(context.Context, *tool.Context, map[string]interface{}) (*tool.Result, error) {
			return nil, fmt.Errorf("backend unavailable")
		},
	}))

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "try the tool", ""))

	t.Run("failed tool result event", func(t *testing.T) {
		results := ofKind(events, uievent.KindToolResult)
		require.Len(t, results, 1)
		assert.False(t, results[0].ToolResult.Success)
		assert.Equal(t, "backend unavailable", results[0].ToolResult.Error)
	})

	t.Run("failure text reaches the follow-up request", func(t *testing.T) {
		requests := fx.mock.Requests()
		require.Len(t, requests, 2)

		found := false
		for _, msg := range requests[1].Messages {
			if msg.Role == convo.RoleTool && strings.Contains(msg.Content, "backend unavailable") {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("turn still completes", func(t *testing.T) {
		assert.Equal(t, uievent.TerminalComplete, terminal(t, events).State)
	})
}

func TestSendMessageMaxIterations(t *testing.T) {
	ctx := context.Background()

	// Every response asks for another tool round; the engine must stop at
	// the configured bound.
	loop := llm.Response{ToolCalls: []tool.Call{{
		ID:   "call_loop",
		Name: "noop",
		Args: map[string]interface{}{},
	}}}

	fx := newFixture(t, []llm.Response{loop, loop, loop, loop}, func(cfg *Config) {
		cfg.MaxToolIterations = 2
	})
	require.NoError(t, fx.registry.Register(tool.Definition{
		Name:        "noop",
		Description: "Does nothing",
		Handler: func(context.Context, *tool.Context, map[string]interface{}) (*tool.Result, error) {
			return tool.Ok("done"), nil
		},
	}))

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "loop forever", ""))

	end := terminal(t, events)
	assert.Equal(t, uievent.TerminalMaxIterations, end.State)
	assert.Empty(t, end.Error, "iteration limit is not an error")
	assert.Equal(t, 2, fx.mock.CallCount())
	assert.NotEmpty(t, ofKind(events, uievent.KindNotice))
}

// Determinism is over event kinds and payload content. Event ids and
// timestamps are freshly generated each run and are deliberately excluded
// from the comparison.
func TestSendMessageDeterministicTranscript(t *testing.T) {
	ctx := context.Background()
	script := []llm.Response{
		{ToolCalls: []tool.Call{{
			ID:   "call_1",
			Name: "calculator",
			Args: map[string]interface{}{"operation": "add", "a": float64(2), "b": float64(2)},
		}}},
		{Content: "4"},
	}

	run := func() []string {
		fx := newFixture(t, script, nil)
		registerCalculator(t, fx.registry)

		var kinds []string
		for _, ev := range collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "2+2?", "")) {
			line := string(ev.Kind)
			switch ev.Kind {
			case uievent.KindAssistantMessage:
				line += ":" + ev.Assistant.Content
			case uievent.KindToolResult:
				line += ":" + ev.ToolResult.Summary
			case uievent.KindTurnEnded:
				line += ":" + string(ev.TurnEnded.State)
			}
			kinds = append(kinds, line)
		}
		return kinds
	}

	assert.Equal(t, run(), run())
}

func TestSendMessageConversationOwnership(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []llm.Response{{Content: "hi"}}, nil)

	// A conversation owned by someone else must be indistinguishable from a
	// missing one.
	other, err := fx.store.Create(ctx, "mallory")
	require.NoError(t, err)

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "hello", other.ID))

	end := terminal(t, events)
	assert.Equal(t, uievent.TerminalError, end.State)
	assert.Contains(t, end.Error, "not found")
	assert.Zero(t, fx.mock.CallCount())
}

type quotaHook struct{}

func (quotaHook) Name() string { return "quota" }
func (quotaHook) BeforeMessage(context.Context, *lifecycle.TurnInfo) error {
	return lifecycle.NewPolicyError("You have used up today's message quota.")
}

func TestSendMessagePolicyStop(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []llm.Response{{Content: "never sent"}}, func(cfg *Config) {
		cfg.BeforeMessage = []lifecycle.BeforeMessageHook{quotaHook{}}
	})

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "hello", ""))

	notices := ofKind(events, uievent.KindNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, "You have used up today's message quota.", notices[0].Notice.Text)

	end := terminal(t, events)
	assert.Equal(t, uievent.TerminalComplete, end.State, "policy stop is graceful")
	assert.Zero(t, fx.mock.CallCount())
}

func TestSendMessageStreaming(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []llm.Response{{Content: "hey"}}, func(cfg *Config) {
		cfg.StreamResponses = true
	})

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "hello", ""))

	deltas := ofKind(events, uievent.KindTextDelta)
	require.Len(t, deltas, 3)

	var streamed strings.Builder
	for _, d := range deltas {
		streamed.WriteString(d.TextDelta.Text)
	}
	assert.Equal(t, "hey", streamed.String())

	assistants := ofKind(events, uievent.KindAssistantMessage)
	require.Len(t, assistants, 1)
	assert.Equal(t, "hey", assistants[0].Assistant.Content)
}

func TestSendMessageCancellation(t *testing.T) {
	fx := newFixture(t, []llm.Response{{Content: "never"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "hello", ""))

	end := terminal(t, events)
	assert.Equal(t, uievent.TerminalError, end.State)
}

type rewriteHook struct{ text string }

func (h rewriteHook) Name() string { return "rewrite" }
func (h rewriteHook) BeforeMessage(_ context.Context, info *lifecycle.TurnInfo) error {
	info.Message = h.text
	return nil
}

func TestSendMessageHookRewrite(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []llm.Response{{Content: "ok"}}, func(cfg *Config) {
		cfg.BeforeMessage = []lifecycle.BeforeMessageHook{rewriteHook{text: "rewritten question"}}
	})

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "original question", ""))
	require.Equal(t, uievent.TerminalComplete, terminal(t, events).State)

	t.Run("llm sees the rewritten message", func(t *testing.T) {
		requests := fx.mock.Requests()
		require.Len(t, requests, 1)
		require.Len(t, requests[0].Messages, 1)
		assert.Equal(t, "rewritten question", requests[0].Messages[0].Content)
	})

	t.Run("transcript stores the rewritten message", func(t *testing.T) {
		summaries, err := fx.store.List(ctx, "alice", 0, 0)
		require.NoError(t, err)
		require.Len(t, summaries, 1)

		conv, err := fx.store.Get(ctx, summaries[0].ID, "alice")
		require.NoError(t, err)
		require.NotEmpty(t, conv.Messages)
		assert.Equal(t, "rewritten question", conv.Messages[0].Content)
	})
}

func TestSendMessageStreamsToolResults(t *testing.T) {
	ctx := context.Background()
	script := []llm.Response{
		{ToolCalls: []tool.Call{
			{ID: "call_parked", Name: "parked", Args: map[string]interface{}{}},
			{ID: "call_instant", Name: "instant", Args: map[string]interface{}{}},
		}},
		{Content: "done"},
	}

	fx := newFixture(t, script, nil)
	release := make(chan struct{})
	require.NoError(t, fx.registry.Register(tool.Definition{
		Name:        "parked",
		Description: "Waits until released",
		Handler: func(context.Context, *tool.Context, map[string]interface{}) (*tool.Result, error) {
			<-release
			return tool.Ok("late"), nil
		},
	}))
	require.NoError(t, fx.registry.Register(tool.Definition{
		Name:        "instant",
		Description: "Returns immediately",
		Handler: func(context.Context, *tool.Context, map[string]interface{}) (*tool.Result, error) {
			return tool.Ok("early"), nil
		},
	}))

	events := fx.agent.SendMessage(ctx, user.NewRequestContext(), "run both", "")

	// The instant tool's result event must arrive while the parked call is
	// still in flight.
	deadline := time.After(2 * time.Second)
	var seen []uievent.Event
waiting:
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed before the instant result arrived")
			seen = append(seen, ev)
			if ev.Kind == uievent.KindToolResult && ev.ToolResult.ToolCallID == "call_instant" {
				break waiting
			}
		case <-deadline:
			t.Fatal("instant tool result held back behind a parked call")
		}
	}

	close(release)
	seen = append(seen, collect(events)...)

	t.Run("both results emitted and turn completes", func(t *testing.T) {
		results := ofKind(seen, uievent.KindToolResult)
		require.Len(t, results, 2)
		assert.Equal(t, uievent.TerminalComplete, terminal(t, seen).State)
	})

	t.Run("tool messages keep call order", func(t *testing.T) {
		requests := fx.mock.Requests()
		require.Len(t, requests, 2)

		var toolMsgs []convo.Message
		for _, msg := range requests[1].Messages {
			if msg.Role == convo.RoleTool {
				toolMsgs = append(toolMsgs, msg)
			}
		}
		require.Len(t, toolMsgs, 2)
		assert.Equal(t, "call_parked", toolMsgs[0].ToolCallID)
		assert.Equal(t, "call_instant", toolMsgs[1].ToolCallID)
	})
}

func TestSendMessageToolComponent(t *testing.T) {
	ctx := context.Background()
	script := []llm.Response{
		{ToolCalls: []tool.Call{{ID: "call_1", Name: "chart", Args: map[string]interface{}{}}}},
		{Content: "here is your chart"},
	}

	fx := newFixture(t, script, nil)
	require.NoError(t, fx.registry.Register(tool.Definition{
		Name:        "chart",
		Description: "Renders a chart",
		Handler: func(context.Context, *tool.Context, map[string]interface{}) (*tool.Result, error) {
			return &tool.Result{
				Success:      true,
				ResultForLLM: "chart rendered",
				Component:    map[string]interface{}{"type": "bar", "points": 3},
			}, nil
		},
	}))

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "plot it", ""))

	results := ofKind(events, uievent.KindToolResult)
	require.Len(t, results, 1)
	component, ok := results[0].ToolResult.Component.(map[string]interface{})
	require.True(t, ok, "tool result event must carry the component payload")
	assert.Equal(t, "bar", component["type"])
}

type staticEnricher struct{ text string }

func (e staticEnricher) Name() string { return "static" }
func (e staticEnricher) Enrich(context.Context, *lifecycle.TurnInfo) (string, error) {
	return e.text, nil
}

type brokenEnricher struct{}

func (brokenEnricher) Name() string { return "broken" }
func (brokenEnricher) Enrich(context.Context, *lifecycle.TurnInfo) (string, error) {
	return "", fmt.Errorf("enrichment store offline")
}

func TestSendMessageEnrichment(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []llm.Response{{Content: "ok"}}, func(cfg *Config) {
		cfg.Enrichers = []lifecycle.ContextEnricher{
			staticEnricher{text: "The user prefers metric units."},
			brokenEnricher{},
		}
	})

	events := collect(fx.agent.SendMessage(ctx, user.NewRequestContext(), "hello", ""))
	assert.Equal(t, uievent.TerminalComplete, terminal(t, events).State)

	requests := fx.mock.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].SystemPrompt, "The user prefers metric units.")
}

type keepLastFilter struct{ n int }

func (f keepLastFilter) Name() string { return "keep_last" }
func (f keepLastFilter) Filter(_ context.Context, _ *lifecycle.TurnInfo, messages []convo.Message) ([]convo.Message, error) {
	if len(messages) <= f.n {
		return messages, nil
	}
	return messages[len(messages)-f.n:], nil
}

func TestSendMessageConversationFilter(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []llm.Response{{Content: "first"}, {Content: "second"}}, func(cfg *Config) {
		cfg.Filters = []lifecycle.ConversationFilter{keepLastFilter{n: 1}}
	})

	rc := user.NewRequestContext()
	first := collect(fx.agent.SendMessage(ctx, rc, "message one", ""))
	convID := first[len(first)-1].ConversationID
	require.NotEmpty(t, convID)

	collect(fx.agent.SendMessage(ctx, rc, "message two", convID))

	t.Run("request view is trimmed", func(t *testing.T) {
		requests := fx.mock.Requests()
		require.Len(t, requests, 2)
		require.Len(t, requests[1].Messages, 1)
		assert.Equal(t, "message two", requests[1].Messages[0].Content)
	})

	t.Run("stored transcript keeps everything", func(t *testing.T) {
		conv, err := fx.store.Get(ctx, convID, "alice")
		require.NoError(t, err)
		assert.Len(t, conv.Messages, 4)
	})
}

func TestSendMessageLLMFailure(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewFailingMockService(fmt.Errorf("invalid api key"))
	store := convo.NewMemStore()
	registry := tool.NewRegistry(tool.RegistryConfig{Logger: zerolog.Nop()})
	resolver, err := user.NewStaticResolver(user.User{ID: "alice"})
	require.NoError(t, err)

	a, err := New(Config{
		LLM:      mock,
		Registry: registry,
		Store:    store,
		Resolver: resolver,
		Model:    "test-model",
		Recovery: lifecycle.NoRecovery{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	events := collect(a.SendMessage(ctx, user.NewRequestContext(), "hello", ""))

	end := terminal(t, events)
	assert.Equal(t, uievent.TerminalError, end.State)
	assert.Contains(t, end.Error, "invalid api key")
}

func TestNewValidation(t *testing.T) {
	store := convo.NewMemStore()
	registry := tool.NewRegistry(tool.RegistryConfig{Logger: zerolog.Nop()})
	resolver, err := user.NewStaticResolver(user.User{ID: "u"})
	require.NoError(t, err)
	mock := llm.NewMockService()

	cases := map[string]Config{
		"missing llm":      {Registry: registry, Store: store, Resolver: resolver, Model: "m"},
		"missing registry": {LLM: mock, Store: store, Resolver: resolver, Model: "m"},
		"missing store":    {LLM: mock, Registry: registry, Resolver: resolver, Model: "m"},
		"missing resolver": {LLM: mock, Registry: registry, Store: store, Model: "m"},
		"missing model":    {LLM: mock, Registry: registry, Store: store, Resolver: resolver},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}
