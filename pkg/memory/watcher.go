package memory

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher watches a notes directory and reports changes, debounced, so
// bursts of edits trigger a single re-index.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onDirty  func()
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewFileWatcher creates a watcher that calls onDirty after changes settle.
func NewFileWatcher(logger zerolog.Logger, onDirty func()) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "memory_watcher").Logger(),
		onDirty:  onDirty,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	go fw.run()

	return fw, nil
}

// Watch starts watching a directory.
func (fw *FileWatcher) Watch(path string) error {
	return fw.watcher.Add(path)
}

// Stop stops the watcher.
func (fw *FileWatcher) Stop() error {
	close(fw.stopCh)
	return fw.watcher.Close()
}

func (fw *FileWatcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// Only notes are indexed.
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Note change detected")

				fw.schedule()
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FileWatcher) schedule() {
	if fw.timer != nil {
		fw.timer.Stop()
	}

	fw.timer = time.AfterFunc(fw.debounce, fw.onDirty)
}
