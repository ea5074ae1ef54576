package convo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a conversation does not exist or is owned by
// a different user. The two cases are deliberately indistinguishable so a
// caller cannot discover other users' conversation ids.
var ErrNotFound = errors.New("conversation not found")

// Store persists conversations. Every read and delete is scoped to the
// owning user; ownership mismatch behaves exactly like absence.
type Store interface {
	// Create makes a new empty conversation owned by userID.
	Create(ctx context.Context, userID string) (*Conversation, error)

	// Get loads a conversation. Returns ErrNotFound when the id is unknown
	// or the conversation belongs to another user.
	Get(ctx context.Context, id, userID string) (*Conversation, error)

	// Update persists the conversation's current state. Returns ErrNotFound
	// under the same rules as Get.
	Update(ctx context.Context, conv *Conversation) error

	// Delete removes a conversation. Returns ErrNotFound under the same
	// rules as Get.
	Delete(ctx context.Context, id, userID string) error

	// List returns summaries of the user's conversations, most recently
	// updated first. limit <= 0 means no limit; offset skips that many
	// summaries from the top.
	List(ctx context.Context, userID string, limit, offset int) ([]Summary, error)
}
