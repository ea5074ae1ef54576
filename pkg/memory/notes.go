package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// NotesIndexer keeps markdown note files in a directory indexed in the
// memory store. A file watcher triggers re-indexing when notes change.
type NotesIndexer struct {
	store    *Store
	notesDir string
	watcher  *FileWatcher
	logger   zerolog.Logger
	indexed  map[string]bool
}

// NotesIndexerConfig configures a NotesIndexer.
type NotesIndexerConfig struct {
	Store    *Store
	NotesDir string
	Logger   zerolog.Logger
}

// NewNotesIndexer creates an indexer, performs the initial scan, and starts
// watching for changes.
func NewNotesIndexer(cfg NotesIndexerConfig) (*NotesIndexer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.NotesDir == "" {
		return nil, fmt.Errorf("notes directory is required")
	}

	if err := os.MkdirAll(cfg.NotesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create notes directory: %w", err)
	}

	n := &NotesIndexer{
		store:    cfg.Store,
		notesDir: cfg.NotesDir,
		logger:   cfg.Logger.With().Str("component", "notes_indexer").Logger(),
		indexed:  map[string]bool{},
	}

	if err := n.Reindex(context.Background()); err != nil {
		return nil, err
	}

	watcher, err := NewFileWatcher(cfg.Logger, func() {
		if err := n.Reindex(context.Background()); err != nil {
			n.logger.Error().Err(err).Msg("Note re-index failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Watch(cfg.NotesDir); err != nil {
		watcher.Stop()
		return nil, fmt.Errorf("failed to watch notes directory: %w", err)
	}
	n.watcher = watcher

	return n, nil
}

// Stop stops watching. Indexed notes remain searchable.
func (n *NotesIndexer) Stop() {
	if n.watcher != nil {
		_ = n.watcher.Stop()
	}
}

// Reindex scans the notes directory, indexing new or changed notes and
// removing entries for deleted files.
func (n *NotesIndexer) Reindex(ctx context.Context) error {
	entries, err := os.ReadDir(n.notesDir)
	if err != nil {
		return fmt.Errorf("failed to read notes directory: %w", err)
	}

	seen := map[string]bool{}
	indexedCount := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			continue
		}

		path := filepath.Join(n.notesDir, entry.Name())
		seen[path] = true

		data, err := os.ReadFile(path)
		if err != nil {
			n.logger.Warn().Str("file", entry.Name()).Err(err).Msg("Failed to read note")
			continue
		}

		title, body := splitNote(entry.Name(), string(data))
		if err := n.store.IndexNote(ctx, path, title, body); err != nil {
			n.logger.Warn().Str("file", entry.Name()).Err(err).Msg("Failed to index note")
			continue
		}
		n.indexed[path] = true
		indexedCount++
	}

	// Drop entries whose files disappeared.
	for path := range n.indexed {
		if !seen[path] {
			if err := n.store.RemoveEntry(ctx, path); err != nil {
				n.logger.Warn().Str("file", filepath.Base(path)).Err(err).Msg("Failed to remove stale note")
				continue
			}
			delete(n.indexed, path)
		}
	}

	n.logger.Debug().Int("notes", indexedCount).Msg("Notes indexed")
	return nil
}

// splitNote derives a title from the first markdown heading, falling back to
// the file name.
func splitNote(filename, content string) (title, body string) {
	title = strings.TrimSuffix(filename, filepath.Ext(filename))
	body = content

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			break
		}
		if trimmed != "" {
			break
		}
	}

	return title, body
}
