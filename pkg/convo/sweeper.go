package convo

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultRetentionAge = 30 * 24 * time.Hour

// Sweeper deletes conversations that have been idle longer than the
// retention age. It runs on a cron schedule against a FileStore.
type Sweeper struct {
	store    *FileStore
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Store    *FileStore
	MaxAge   time.Duration // defaults to 30 days
	Schedule string        // cron expression, defaults to daily at 03:00
	Logger   zerolog.Logger
}

// NewSweeper creates a retention sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRetentionAge
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}

	return &Sweeper{
		store:    cfg.Store,
		maxAge:   cfg.MaxAge,
		schedule: cfg.Schedule,
		logger:   cfg.Logger.With().Str("component", "convo_sweeper").Logger(),
	}, nil
}

// Start schedules the sweep. It returns an error when the cron expression
// does not parse.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.SweepOnce(); err != nil {
			s.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c

	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("max_age", s.maxAge).
		Msg("Retention sweeper started")

	return nil
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info().Msg("Retention sweeper stopped")
}

// SweepOnce deletes all conversations idle longer than the retention age and
// returns how many were removed.
func (s *Sweeper) SweepOnce() (int, error) {
	entries, err := os.ReadDir(s.store.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read store root: %w", err)
	}

	cutoff := time.Now().UTC().Add(-s.maxAge)
	deleted := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		meta, err := s.store.readMeta(id)
		if err != nil {
			s.logger.Warn().Str("conversation_id", id).Err(err).Msg("Skipping unreadable conversation")
			continue
		}

		if meta.UpdatedAt.After(cutoff) {
			continue
		}

		lock := s.store.lockFor(id)
		lock.Lock()
		err = os.RemoveAll(s.store.dir(id))
		lock.Unlock()

		if err != nil {
			s.logger.Error().Str("conversation_id", id).Err(err).Msg("Failed to delete stale conversation")
			continue
		}

		deleted++
		s.logger.Debug().
			Str("conversation_id", id).
			Time("last_update", meta.UpdatedAt).
			Msg("Stale conversation deleted")
	}

	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("Retention sweep completed")
	}

	return deleted, nil
}
