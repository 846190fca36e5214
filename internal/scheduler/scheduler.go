package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"currency-rate-alerts/internal/source"
)

// SyncFunc runs one synchronization cycle constrained by the given window.
type SyncFunc func(ctx context.Context, win source.Window) error

// Options tune the two polling cadences.
type Options struct {
	LiveEveryMinutes int
	LiveLimit        int
	FullAt           string
	MaxHistoryHours  int
}

// Scheduler drives the frequent live schedule and the daily full schedule.
// Both invoke the same sync function with different windows; overlap between
// them is tolerated by the cycle's per-currency serialization.
type Scheduler struct {
	cron   *gocron.Scheduler
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler running in UTC.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers both jobs and begins asynchronous execution.
func (s *Scheduler) Start(ctx context.Context, sync SyncFunc) error {
	liveWindow := source.Window{Limit: s.opts.LiveLimit}
	if _, err := s.cron.Every(s.opts.LiveEveryMinutes).Minutes().Do(func() {
		if err := sync(ctx, liveWindow); err != nil {
			s.logger.Error().Err(err).Msg("live sync cycle failed")
		}
	}); err != nil {
		return fmt.Errorf("register live sync job: %w", err)
	}

	fullWindow := source.Window{LastHours: s.opts.MaxHistoryHours}
	if _, err := s.cron.Every(1).Day().At(s.opts.FullAt).Do(func() {
		if err := sync(ctx, fullWindow); err != nil {
			s.logger.Error().Err(err).Msg("full sync cycle failed")
		}
	}); err != nil {
		return fmt.Errorf("register full sync job: %w", err)
	}

	s.cron.StartAsync()
	s.logger.Info().
		Int("live_every_minutes", s.opts.LiveEveryMinutes).
		Str("full_at", s.opts.FullAt).
		Msg("schedules started")
	return nil
}

// Stop halts both schedules. Running jobs finish their current cycle.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
