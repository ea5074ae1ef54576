package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/calder-ai/steward/pkg/tool"
	"github.com/calder-ai/steward/pkg/user"
)

// SystemPromptBuilder assembles the system prompt for one turn. extra holds
// context contributed by enrichers, in registration order.
type SystemPromptBuilder interface {
	BuildSystemPrompt(ctx context.Context, u *user.User, schemas []tool.Schema, extra []string) (string, error)
}

// DefaultPromptBuilder produces a plain prompt: base instructions, the tool
// inventory, then enricher context.
type DefaultPromptBuilder struct {
	Instructions string
}

const defaultInstructions = "You are a helpful assistant. Use the available tools when they help answer the user's question, and answer directly when they do not."

// BuildSystemPrompt assembles the prompt.
func (b *DefaultPromptBuilder) BuildSystemPrompt(_ context.Context, u *user.User, schemas []tool.Schema, extra []string) (string, error) {
	var sb strings.Builder

	instructions := b.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	sb.WriteString(instructions)

	if u != nil && u.Username != "" {
		sb.WriteString(fmt.Sprintf("\n\nYou are assisting %s.", u.Username))
	}

	if len(schemas) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, s := range schemas {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", s.Name, s.Description))
		}
	}

	for _, section := range extra {
		if section == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(section)
	}

	return sb.String(), nil
}
