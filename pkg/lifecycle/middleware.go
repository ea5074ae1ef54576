package lifecycle

import (
	"context"

	"github.com/calder-ai/steward/pkg/llm"
)

// Sender is the call-shaped view of an LLM round-trip that middleware wraps.
type Sender func(ctx context.Context, req llm.Request) (*llm.Response, error)

// Middleware wraps an LLM round-trip. Middlewares can rewrite requests,
// inspect responses, inject caching, or short-circuit entirely.
type Middleware func(next Sender) Sender

// Chain composes middlewares around a sender. The first middleware in the
// list is the outermost wrapper.
func Chain(sender Sender, middlewares ...Middleware) Sender {
	for i := len(middlewares) - 1; i >= 0; i-- {
		sender = middlewares[i](sender)
	}
	return sender
}
