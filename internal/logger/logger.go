package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path, empty disables file output
	Console   bool   // enable console output
	Pretty    bool   // human-readable console format
	Redaction bool   // scrub credentials before writing
	MaxSizeMB int    // rotate the file after this many MB
	MaxAgeDay int    // delete rotated files older than this
	Compress  bool   // gzip rotated files
}

// DefaultConfig returns the defaults used when no logging section is
// configured.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSizeMB: 100,
		MaxAgeDay: 7,
		Compress:  true,
	}
}

// Logger owns the configured output pipeline. Close releases the file
// writer when one is open.
type Logger struct {
	logger zerolog.Logger
	closer io.Closer
}

// New builds the logging pipeline: optional console writer, optional
// rotating file writer, optional redaction, combined into one zerolog
// logger. The result is also installed as the global logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	var closer io.Closer

	if cfg.Console {
		var console io.Writer = os.Stdout
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
		writers = append(writers, console)
	}

	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxAgeDay, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, rw)
		closer = rw
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	if cfg.Redaction {
		writer = NewRedactor().Wrap(writer)
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	return &Logger{logger: logger, closer: closer}, nil
}

// Zerolog returns the underlying logger for injection into components.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Close releases the file writer, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
