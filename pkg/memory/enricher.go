package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/calder-ai/steward/pkg/lifecycle"
)

// RecallEnricher contributes recalled memory to the system prompt: tool
// usage recorded for similar past questions, plus matching notes.
type RecallEnricher struct {
	store *Store
	limit int
}

// NewRecallEnricher creates an enricher over the given store. limit bounds
// how many recalled items are injected per turn.
func NewRecallEnricher(store *Store, limit int) (*RecallEnricher, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if limit <= 0 {
		limit = 3
	}
	return &RecallEnricher{store: store, limit: limit}, nil
}

// Name identifies the enricher in logs.
func (e *RecallEnricher) Name() string {
	return "memory_recall"
}

// Enrich recalls entries similar to the user's message.
func (e *RecallEnricher) Enrich(ctx context.Context, info *lifecycle.TurnInfo) (string, error) {
	userID := ""
	if info.User != nil {
		userID = info.User.ID
	}

	entries, err := e.store.Search(ctx, info.Message, SearchOptions{
		Limit:  e.limit,
		UserID: userID,
	})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Relevant context from memory:\n")
	for _, entry := range entries {
		switch entry.Kind {
		case KindToolUsage:
			sb.WriteString(fmt.Sprintf("- For %q, %s was used: %s\n", entry.Question, entry.ToolName, entry.Content))
		case KindNote:
			sb.WriteString(fmt.Sprintf("- Note %q: %s\n", entry.Question, truncate(entry.Content, 400)))
		}
	}
	return sb.String(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
