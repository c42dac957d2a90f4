// Package scheduler runs the daily link history prune and periodic status
// reports.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/config"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// LinkCounter reports the number of running links.
type LinkCounter interface {
	Count() int
}

// StatsInterval is how often the running link count is logged.
const StatsInterval = time.Hour

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.DatabaseConfig
	pruner Pruner
	links  LinkCounter
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler. pruner may be nil when history is
// disabled.
func NewScheduler(cfg config.DatabaseConfig, pruner Pruner, links LinkCounter) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		links:  links,
		logger: log.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Start runs the tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	if s.cfg.Enabled && s.pruner != nil {
		go s.runPruneLoop(ctx)
	}
	if s.links != nil {
		go s.runStatsLoop(ctx)
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// runPruneLoop runs the history prune at the configured time each day.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		nextRun := s.nextRunTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("history prune scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunPrune(ctx)
		}
	}
}

// RunPrune deletes history older than the retention period.
func (s *Scheduler) RunPrune(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	s.logger.Info().
		Int("retention_days", s.cfg.RetentionDays).
		Time("cutoff", cutoff).
		Msg("running history prune")

	deleted, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("history prune failed")
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	s.logger.Info().Int64("deleted", deleted).Msg("history prune completed")
	return deleted, nil
}

func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info().Int("links", s.links.Count()).Msg("running links")
		}
	}
}

// nextRunTime returns the next occurrence of the configured prune time.
func (s *Scheduler) nextRunTime() time.Time {
	hour, minute := 4, 0 // Default: 4:00 AM
	if t, err := time.Parse("15:04", s.cfg.PruneTime); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
