package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FileStore persists conversations on disk. Each conversation is a
// directory named by its id, holding meta.json plus one numbered JSON file
// per message. Writes go through a temp file and rename so a crash never
// leaves a half-written message behind.
type FileStore struct {
	root   string
	logger zerolog.Logger
	locks  map[string]*sync.Mutex
	mu     sync.Mutex
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	Root   string
	Logger zerolog.Logger
}

type fileMeta struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Title     string                 `json:"title,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewFileStore creates a file-backed store rooted at cfg.Root.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}

	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	return &FileStore{
		root:   cfg.Root,
		logger: cfg.Logger.With().Str("component", "convo_filestore").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// validateID rejects ids that could escape the store root.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid conversation id: %s", id)
	}
	return nil
}

func (s *FileStore) dir(id string) string {
	return filepath.Join(s.root, id)
}

// Create makes a new empty conversation owned by userID.
func (s *FileStore) Create(_ context.Context, userID string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dir(conv.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}

	if err := s.writeMeta(conv); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("conversation_id", conv.ID).
		Str("user_id", userID).
		Msg("Conversation created")

	return conv, nil
}

// Get loads a conversation scoped to its owner.
func (s *FileStore) Get(_ context.Context, id, userID string) (*Conversation, error) {
	if err := validateID(id); err != nil {
		return nil, ErrNotFound
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return s.load(id, userID)
}

func (s *FileStore) load(id, userID string) (*Conversation, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, ErrNotFound
	}
	if meta.UserID != userID {
		return nil, ErrNotFound
	}

	conv := &Conversation{
		ID:        meta.ID,
		UserID:    meta.UserID,
		Title:     meta.Title,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Metadata:  meta.Metadata,
		Messages:  []Message{},
	}

	entries, err := os.ReadDir(s.dir(id))
	if err != nil {
		return nil, ErrNotFound
	}

	var msgFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if name == "meta.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		msgFiles = append(msgFiles, name)
	}
	sort.Strings(msgFiles)

	for _, name := range msgFiles {
		data, err := os.ReadFile(filepath.Join(s.dir(id), name))
		if err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("Failed to read message file")
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("Skipping corrupt message file")
			continue
		}
		conv.Messages = append(conv.Messages, msg)
	}

	return conv, nil
}

// Update persists the conversation's current state. Messages already on disk
// are left alone; new messages are appended as numbered files.
func (s *FileStore) Update(_ context.Context, conv *Conversation) error {
	if err := validateID(conv.ID); err != nil {
		return ErrNotFound
	}

	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMeta(conv.ID)
	if err != nil || meta.UserID != conv.UserID {
		return ErrNotFound
	}

	existing, err := s.countMessages(conv.ID)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	for i := existing; i < len(conv.Messages); i++ {
		name := fmt.Sprintf("%06d.json", i+1)
		if err := s.writeJSON(filepath.Join(s.dir(conv.ID), name), conv.Messages[i]); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}

	conv.UpdatedAt = time.Now().UTC()
	return s.writeMeta(conv)
}

// Delete removes a conversation scoped to its owner.
func (s *FileStore) Delete(_ context.Context, id, userID string) error {
	if err := validateID(id); err != nil {
		return ErrNotFound
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMeta(id)
	if err != nil || meta.UserID != userID {
		return ErrNotFound
	}

	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.logger.Debug().Str("conversation_id", id).Msg("Conversation deleted")
	return nil
}

// List returns summaries of the user's conversations, most recent first.
func (s *FileStore) List(_ context.Context, userID string, limit, offset int) ([]Summary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read store root: %w", err)
	}

	summaries := []Summary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		meta, err := s.readMeta(id)
		if err != nil || meta.UserID != userID {
			continue
		}

		count, err := s.countMessages(id)
		if err != nil {
			count = 0
		}

		summaries = append(summaries, Summary{
			ID:           meta.ID,
			UserID:       meta.UserID,
			Title:        meta.Title,
			MessageCount: count,
			CreatedAt:    meta.CreatedAt,
			UpdatedAt:    meta.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	return page(summaries, limit, offset), nil
}

func (s *FileStore) countMessages(id string) (int, error) {
	entries, err := os.ReadDir(s.dir(id))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if name != "meta.json" && strings.HasSuffix(name, ".json") {
			count++
		}
	}
	return count, nil
}

func (s *FileStore) readMeta(id string) (*fileMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), "meta.json"))
	if err != nil {
		return nil, err
	}

	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *FileStore) writeMeta(conv *Conversation) error {
	meta := fileMeta{
		ID:        conv.ID,
		UserID:    conv.UserID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Metadata:  conv.Metadata,
	}
	return s.writeJSON(filepath.Join(s.dir(conv.ID), "meta.json"), meta)
}

// writeJSON writes through a temp file and rename for crash safety.
func (s *FileStore) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
