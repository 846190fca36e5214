package app

import (
	"context"

	"currency-rate-alerts/internal/source"
)

// SyncOnce runs a single on-demand synchronization cycle and reports counts.
func (a *App) SyncOnce(ctx context.Context, opts SyncOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c := a.buildCore(store)

	if err := a.ensureCredential(ctx, c.session); err != nil {
		return err
	}

	win := source.Window{Limit: a.Config.Source.LiveLimit}
	if opts.Full {
		win = source.Window{LastHours: a.Config.Sync.MaxHistoryHours}
	}

	result, err := a.syncCycle(c, store)(ctx, win)
	if err != nil {
		return err
	}

	for code, counts := range result.Counts {
		a.Logger.Info().
			Str("currency", code).
			Int("inserted", counts.Inserted).
			Int("duplicates", counts.Duplicates).
			Msg("cycle counts")
	}
	return nil
}
