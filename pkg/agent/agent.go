package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calder-ai/steward/internal/observability"
	"github.com/calder-ai/steward/pkg/convo"
	"github.com/calder-ai/steward/pkg/lifecycle"
	"github.com/calder-ai/steward/pkg/llm"
	"github.com/calder-ai/steward/pkg/tool"
	"github.com/calder-ai/steward/pkg/uievent"
	"github.com/calder-ai/steward/pkg/user"
)

const (
	DefaultMaxToolIterations = 10
	defaultEventBuffer       = 64
)

// ToolUsageRecorder receives successful tool executions for later recall.
// Recording is fire-and-forget; failures never affect the turn.
type ToolUsageRecorder interface {
	RecordToolUsage(ctx context.Context, userID, question string, call tool.Call, result tool.Result) error
}

// Config wires an Agent together.
type Config struct {
	LLM      llm.Service
	Registry *tool.Registry
	Store    convo.Store
	Resolver user.Resolver

	Model             string
	MaxTokens         int
	Temperature       float64
	MaxToolIterations int
	StreamResponses   bool

	Prompt      SystemPromptBuilder
	Recovery    lifecycle.ErrorRecovery
	Middlewares []lifecycle.Middleware

	BeforeMessage []lifecycle.BeforeMessageHook
	AfterMessage  []lifecycle.AfterMessageHook
	BeforeTool    []lifecycle.BeforeToolHook
	AfterTool     []lifecycle.AfterToolHook
	Enrichers     []lifecycle.ContextEnricher
	Filters       []lifecycle.ConversationFilter

	Memory ToolUsageRecorder // optional

	EventBuffer int
	Logger      zerolog.Logger
}

// Agent runs user messages through the LLM/tool loop and streams UI events.
type Agent struct {
	cfg    Config
	sender lifecycle.Sender
	logger zerolog.Logger
}

// New creates an Agent. LLM, Registry, Store, Resolver, and Model are
// required.
func New(cfg Config) (*Agent, error) {
	observability.EnsureRegistered()

	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm service is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("user resolver is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Prompt == nil {
		cfg.Prompt = &DefaultPromptBuilder{}
	}
	if cfg.Recovery == nil {
		cfg.Recovery = lifecycle.NewBackoffRecovery(3, time.Second)
	}

	a := &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent").Logger(),
	}
	a.sender = lifecycle.Chain(a.send, cfg.Middlewares...)

	return a, nil
}

// SendMessage starts one turn and returns its event stream. The channel is
// closed after the terminal turn-ended event. Cancelling ctx stops the turn
// at the next safe checkpoint; tool executions already in flight finish
// first.
func (a *Agent) SendMessage(ctx context.Context, rc user.RequestContext, message, conversationID string) <-chan uievent.Event {
	events := make(chan uievent.Event, a.cfg.EventBuffer)

	go func() {
		defer close(events)
		a.runTurn(ctx, rc, message, conversationID, events)
	}()

	return events
}

// turn carries the mutable state of one SendMessage call.
type turn struct {
	user   *user.User
	conv   *convo.Conversation
	info   *lifecycle.TurnInfo
	events chan<- uievent.Event
	start  time.Time
}

func (t *turn) emit(ev uievent.Event) {
	t.events <- ev
}

func (t *turn) convID() string {
	if t.conv == nil {
		return ""
	}
	return t.conv.ID
}

func (a *Agent) runTurn(ctx context.Context, rc user.RequestContext, message, conversationID string, events chan<- uievent.Event) {
	t := &turn{events: events, start: time.Now()}

	state := a.processTurn(ctx, rc, message, conversationID, t)
	observability.RecordTurn(string(state), time.Since(t.start))
}

// processTurn drives the turn state machine and returns the terminal state.
func (a *Agent) processTurn(ctx context.Context, rc user.RequestContext, message, conversationID string, t *turn) uievent.TerminalState {
	// Resolving
	t.emit(uievent.NewStatus("", uievent.StateResolving, ""))

	u, err := a.cfg.Resolver.ResolveUser(ctx, rc)
	if err != nil {
		return a.fail(t, fmt.Errorf("failed to resolve user: %w", err))
	}
	t.user = u
	t.info = &lifecycle.TurnInfo{
		User:      u,
		RequestID: rc.RequestID,
		Message:   message,
	}

	for _, hook := range a.cfg.BeforeMessage {
		if err := hook.BeforeMessage(ctx, t.info); err != nil {
			if pe, ok := lifecycle.AsPolicyError(err); ok {
				a.logger.Info().
					Str("hook", hook.Name()).
					Str("reason", pe.Reason).
					Msg("Turn stopped by policy")
				t.emit(uievent.NewNotice("", pe.Reason))
				t.emit(uievent.NewTurnEnded("", uievent.TerminalComplete, ""))
				return uievent.TerminalComplete
			}
			return a.fail(t, fmt.Errorf("before-message hook %s failed: %w", hook.Name(), err))
		}
	}

	// Conversation ownership is enforced by the store; a mismatch surfaces
	// as not-found here.
	if conversationID == "" {
		t.conv, err = a.cfg.Store.Create(ctx, u.ID)
	} else {
		t.conv, err = a.cfg.Store.Get(ctx, conversationID, u.ID)
	}
	if err != nil {
		return a.fail(t, fmt.Errorf("failed to load conversation: %w", err))
	}
	t.info.ConversationID = t.conv.ID

	// Hooks may have rewritten the message; the transcript and the LLM see
	// the rewritten form.
	t.conv.AddMessage(convo.NewUserMessage(t.info.Message))

	// Enriching
	t.emit(uievent.NewStatus(t.convID(), uievent.StateEnriching, ""))

	var extra []string
	for _, enricher := range a.cfg.Enrichers {
		section, err := enricher.Enrich(ctx, t.info)
		if err != nil {
			// Enrichment is best-effort; a broken enricher must not kill the turn.
			a.logger.Warn().
				Str("enricher", enricher.Name()).
				Err(err).
				Msg("Context enricher failed")
			continue
		}
		if section != "" {
			extra = append(extra, section)
		}
	}

	schemas := a.cfg.Registry.SchemasFor(u)
	if err := a.cfg.LLM.ValidateTools(ctx, schemas); err != nil {
		return a.fail(t, fmt.Errorf("tool validation failed: %w", err))
	}

	systemPrompt, err := a.cfg.Prompt.BuildSystemPrompt(ctx, u, schemas, extra)
	if err != nil {
		return a.fail(t, fmt.Errorf("failed to build system prompt: %w", err))
	}

	// LLM/tool loop
	for iteration := 0; iteration < a.cfg.MaxToolIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return a.failCancelled(t)
		}

		t.emit(uievent.NewStatus(t.convID(), uievent.StateRequestingLLM, ""))

		messages, err := a.filteredMessages(ctx, t)
		if err != nil {
			return a.fail(t, err)
		}

		req := llm.Request{
			Model:        a.cfg.Model,
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        schemas,
			MaxTokens:    a.cfg.MaxTokens,
			Temperature:  a.cfg.Temperature,
		}

		resp, err := a.sendWithRecovery(ctx, req, t)
		if err != nil {
			if ctx.Err() != nil {
				return a.failCancelled(t)
			}
			return a.fail(t, fmt.Errorf("llm request failed: %w", err))
		}

		if !resp.HasToolCalls() {
			// Responding
			t.emit(uievent.NewStatus(t.convID(), uievent.StateResponding, ""))
			t.conv.AddMessage(convo.NewAssistantMessage(resp.Content, nil))
			t.emit(uievent.NewAssistantMessage(t.convID(), resp.Content))

			if err := a.finish(ctx, t); err != nil {
				return a.fail(t, err)
			}
			t.emit(uievent.NewTurnEnded(t.convID(), uievent.TerminalComplete, ""))
			return uievent.TerminalComplete
		}

		t.conv.AddMessage(convo.NewAssistantMessage(resp.Content, resp.ToolCalls))
		if resp.Content != "" {
			t.emit(uievent.NewAssistantMessage(t.convID(), resp.Content))
		}

		t.emit(uievent.NewStatus(t.convID(), uievent.StateExecutingTools,
			fmt.Sprintf("%d tool call(s)", len(resp.ToolCalls))))

		a.executeToolCalls(ctx, t, resp.ToolCalls)
	}

	// Out of iterations. This is a defined outcome, not a malfunction: the
	// transcript so far is persisted and the turn ends cleanly.
	a.logger.Warn().
		Str("conversation_id", t.convID()).
		Int("max_iterations", a.cfg.MaxToolIterations).
		Msg("Turn reached tool iteration limit")

	if err := a.finish(ctx, t); err != nil {
		return a.fail(t, err)
	}
	t.emit(uievent.NewNotice(t.convID(),
		"I wasn't able to finish within the allowed number of tool steps."))
	t.emit(uievent.NewTurnEnded(t.convID(), uievent.TerminalMaxIterations, ""))
	return uievent.TerminalMaxIterations
}

// executeToolCalls runs all calls concurrently and emits each result event
// the moment its call finishes, so a fast tool is never held behind a slow
// one. Tool messages are appended in call order once every call is done,
// keeping the transcript stable across runs. In-flight handlers always run
// to completion; cancellation is observed by the next loop checkpoint.
func (a *Agent) executeToolCalls(ctx context.Context, t *turn, calls []tool.Call) {
	tc := &tool.Context{
		User:           t.user,
		ConversationID: t.convID(),
		RequestID:      t.info.RequestID,
		Logger:         a.logger,
	}

	for _, call := range calls {
		for _, hook := range a.cfg.BeforeTool {
			if err := hook.BeforeTool(ctx, t.info, call); err != nil {
				a.logger.Warn().
					Str("hook", hook.Name()).
					Str("tool", call.Name).
					Err(err).
					Msg("Before-tool hook failed")
			}
		}
	}

	results := make(map[string]tool.Result, len(calls))
	for item := range a.cfg.Registry.ExecuteBatch(ctx, calls, tc) {
		result := item.Result
		results[item.Call.ID] = result

		t.emit(uievent.NewToolResult(t.convID(), uievent.ToolResult{
			ToolCallID: item.Call.ID,
			ToolName:   item.Call.Name,
			Success:    result.Success,
			Summary:    result.ResultForLLM,
			Component:  result.Component,
			Error:      result.Error,
		}))

		if rejected, _ := result.Metadata["rejected"].(bool); rejected {
			t.emit(uievent.NewNotice(t.convID(), result.Error))
		}

		for _, hook := range a.cfg.AfterTool {
			if err := hook.AfterTool(ctx, t.info, item.Call, result); err != nil {
				a.logger.Warn().
					Str("hook", hook.Name()).
					Str("tool", item.Call.Name).
					Err(err).
					Msg("After-tool hook failed")
			}
		}

		if a.cfg.Memory != nil && result.Success {
			go func(call tool.Call, result tool.Result) {
				if err := a.cfg.Memory.RecordToolUsage(context.Background(), t.user.ID, t.info.Message, call, result); err != nil {
					a.logger.Warn().Str("tool", call.Name).Err(err).Msg("Failed to record tool usage")
				}
			}(item.Call, result)
		}
	}

	for _, call := range calls {
		result := results[call.ID]
		content := result.ResultForLLM
		if !result.Success {
			content = fmt.Sprintf("Error: %s", result.Error)
		}
		t.conv.AddMessage(convo.NewToolMessage(call.ID, call.Name, content))
	}
}

// filteredMessages returns the conversation view sent to the LLM after all
// filters run. The stored transcript is untouched.
func (a *Agent) filteredMessages(ctx context.Context, t *turn) ([]convo.Message, error) {
	messages := make([]convo.Message, len(t.conv.Messages))
	copy(messages, t.conv.Messages)

	for _, filter := range a.cfg.Filters {
		filtered, err := filter.Filter(ctx, t.info, messages)
		if err != nil {
			return nil, fmt.Errorf("conversation filter %s failed: %w", filter.Name(), err)
		}
		messages = filtered
	}
	return messages, nil
}

// send is the innermost sender that middleware wraps. It picks streaming or
// blocking mode and records metrics.
func (a *Agent) send(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()

	var resp *llm.Response
	var err error

	if a.cfg.StreamResponses {
		resp, err = a.cfg.LLM.StreamRequest(ctx, req, a.streamHandler(ctx))
	} else {
		resp, err = a.cfg.LLM.SendRequest(ctx, req)
	}

	observability.RecordLLMRequest(a.cfg.LLM.Provider(), time.Since(start), err == nil)
	if err == nil && resp.Usage != nil {
		observability.RecordTokenUsage(a.cfg.LLM.Provider(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	return resp, err
}

// streamHandler relays text deltas to the active turn's event channel. The
// handler is installed per send call through the context-scoped turn.
func (a *Agent) streamHandler(ctx context.Context) llm.ChunkHandler {
	t, ok := turnFromContext(ctx)
	if !ok {
		return nil
	}
	return func(chunk llm.StreamChunk) {
		t.emit(uievent.NewTextDelta(t.convID(), chunk.Text))
	}
}

// sendWithRecovery runs the middleware-wrapped sender, consulting the
// recovery strategy on failure.
func (a *Agent) sendWithRecovery(ctx context.Context, req llm.Request, t *turn) (*llm.Response, error) {
	ctx = contextWithTurn(ctx, t)

	attempt := 0
	for {
		resp, err := a.sender(ctx, req)
		if err == nil {
			return resp, nil
		}

		action := a.cfg.Recovery.Recover(ctx, err, attempt)
		if !action.Retry {
			return nil, err
		}

		a.logger.Warn().
			Int("attempt", attempt+1).
			Dur("delay", action.Delay).
			Err(err).
			Msg("Retrying LLM request")

		select {
		case <-time.After(action.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		attempt++
	}
}

// finish persists the conversation and runs after-message hooks.
func (a *Agent) finish(ctx context.Context, t *turn) error {
	if err := a.cfg.Store.Update(ctx, t.conv); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}

	for _, hook := range a.cfg.AfterMessage {
		if err := hook.AfterMessage(ctx, t.info, t.conv); err != nil {
			a.logger.Warn().
				Str("hook", hook.Name()).
				Err(err).
				Msg("After-message hook failed")
		}
	}
	return nil
}

func (a *Agent) fail(t *turn, err error) uievent.TerminalState {
	a.logger.Error().
		Str("conversation_id", t.convID()).
		Err(err).
		Msg("Turn failed")

	t.emit(uievent.NewTurnEnded(t.convID(), uievent.TerminalError, err.Error()))
	return uievent.TerminalError
}

func (a *Agent) failCancelled(t *turn) uievent.TerminalState {
	a.logger.Info().
		Str("conversation_id", t.convID()).
		Msg("Turn cancelled")

	t.emit(uievent.NewTurnEnded(t.convID(), uievent.TerminalError, "turn cancelled"))
	return uievent.TerminalError
}

type turnContextKey struct{}

func contextWithTurn(ctx context.Context, t *turn) context.Context {
	return context.WithValue(ctx, turnContextKey{}, t)
}

func turnFromContext(ctx context.Context) (*turn, bool) {
	t, ok := ctx.Value(turnContextKey{}).(*turn)
	return t, ok
}
