// Package agent runs user messages through the LLM/tool loop and streams
// UI events back to the caller.
//
// Invariants:
// - Every turn ends with exactly one turn-ended event, then the channel closes.
// - Tool results always correlate to their originating call id.
// - LLM round-trips per turn never exceed MaxToolIterations.
// - The stored transcript only grows; filters rewrite the request view, not storage.
//
// Usage:
//
//	a, _ := agent.New(agent.Config{
//		LLM:      svc,
//		Registry: registry,
//		Store:    store,
//		Resolver: resolver,
//		Model:    "claude-sonnet-4-5",
//	})
//	for ev := range a.SendMessage(ctx, rc, "hello", "") {
//		_ = ev
//	}
package agent
