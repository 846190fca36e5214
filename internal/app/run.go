package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"currency-rate-alerts/internal/scheduler"
	"currency-rate-alerts/internal/server"
	"currency-rate-alerts/internal/source"
	"currency-rate-alerts/internal/syncer"
)

// Run executes the long-running tracking service: credential check, one full
// sync, then the live/full schedules and the API server until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c := a.buildCore(store)

	if err := a.ensureCredential(ctx, c.session); err != nil {
		return err
	}

	runCycle := a.syncCycle(c, store)

	a.Logger.Info().Msg("running initial full synchronization")
	fullWindow := source.Window{LastHours: a.Config.Sync.MaxHistoryHours}
	if _, err := runCycle(ctx, fullWindow); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		LiveEveryMinutes: a.Config.Sync.LiveEveryMinutes,
		LiveLimit:        a.Config.Source.LiveLimit,
		FullAt:           a.Config.Sync.FullAt,
		MaxHistoryHours:  a.Config.Sync.MaxHistoryHours,
	}, a.Logger)

	if err := sched.Start(ctx, func(ctx context.Context, win source.Window) error {
		_, err := runCycle(ctx, win)
		return err
	}); err != nil {
		return err
	}
	defer sched.Stop()

	srv := server.New(server.Options{
		Addr:               a.Config.Server.Addr,
		WindowHours:        a.Config.Alerting.WindowHours,
		AlertCheckInterval: a.Config.Alerting.CheckInterval,
	}, store, store, store, c.evaluator, func(ctx context.Context) (syncer.CycleResult, error) {
		return runCycle(ctx, fullWindow)
	}, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})

	a.Logger.Info().Msg("tracking service started")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("tracking service stopped")
	return nil
}
