package convo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. It is safe for concurrent use and returns
// deep copies so callers cannot mutate stored state through aliasing.
type MemStore struct {
	conversations map[string]*Conversation
	mu            sync.RWMutex
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*Conversation),
	}
}

// Create makes a new empty conversation owned by userID.
func (s *MemStore) Create(_ context.Context, userID string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = copyConversation(conv)
	s.mu.Unlock()

	return conv, nil
}

// Get loads a conversation scoped to its owner.
func (s *MemStore) Get(_ context.Context, id, userID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

// Update persists the conversation's current state.
func (s *MemStore) Update(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if !ok || existing.UserID != conv.UserID {
		return ErrNotFound
	}

	s.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// Delete removes a conversation scoped to its owner.
func (s *MemStore) Delete(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}

	delete(s.conversations, id)
	return nil
}

// List returns summaries of the user's conversations, most recent first.
func (s *MemStore) List(_ context.Context, userID string, limit, offset int) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := []Summary{}
	for _, conv := range s.conversations {
		if conv.UserID != userID {
			continue
		}
		summaries = append(summaries, Summary{
			ID:           conv.ID,
			UserID:       conv.UserID,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	return page(summaries, limit, offset), nil
}

// page applies offset/limit to an already sorted summary slice.
func page(summaries []Summary, limit, offset int) []Summary {
	if offset > 0 {
		if offset >= len(summaries) {
			return []Summary{}
		}
		summaries = summaries[offset:]
	}
	if limit > 0 && limit < len(summaries) {
		summaries = summaries[:limit]
	}
	return summaries
}

func copyConversation(conv *Conversation) *Conversation {
	cp := *conv
	cp.Messages = make([]Message, len(conv.Messages))
	copy(cp.Messages, conv.Messages)
	if conv.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(conv.Metadata))
		for k, v := range conv.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
