package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"currency-rate-alerts/internal/alert"
	"currency-rate-alerts/internal/auth"
	"currency-rate-alerts/internal/config"
	"currency-rate-alerts/internal/ingest"
	"currency-rate-alerts/internal/source"
	"currency-rate-alerts/internal/storage"
	"currency-rate-alerts/internal/syncer"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// core bundles the wired synchronization and evaluation components.
type core struct {
	session      *auth.Session
	client       *source.Client
	ingestor     *ingest.Ingestor
	orchestrator *syncer.Orchestrator
	evaluator    *alert.Evaluator
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) buildCore(store *storage.Store) *core {
	cfg := a.Config

	refresher := auth.NewBrowserRefresher(auth.BrowserOptions{
		PageURL:          cfg.Browser.PageURL,
		InterceptURLPart: cfg.Browser.InterceptURLPart,
		HeaderName:       cfg.Browser.HeaderName,
		WaitTimeout:      cfg.Browser.WaitTimeout,
		ExecPath:         cfg.Browser.ExecPath,
		Headless:         cfg.Browser.Headless,
	}, a.Logger)

	session := auth.NewSession(cfg.Source.AuthHeader, refresher, a.Logger)

	client := source.NewClient(source.Options{
		BaseURL:        cfg.Source.BaseURL,
		UserAgent:      cfg.Source.UserAgent,
		RequestTimeout: cfg.Source.RequestTimeout,
		ProbeAsset:     cfg.Source.ProbeAsset,
	}, session.Header, a.Logger)
	session.BindProbe(client.Probe)

	ingestor := ingest.New(store, a.Logger)

	orchestrator := syncer.New(client, ingestor, session, syncer.Options{
		MaxHistoryHours: cfg.Sync.MaxHistoryHours,
		RefreshRetries:  cfg.Sync.RefreshRetries,
		RefreshBackoff:  cfg.Sync.RefreshBackoff,
	}, a.Logger)

	evaluator := alert.New(store, store, alert.Options{
		WindowHours:       cfg.Alerting.WindowHours,
		ExceedPctLimit:    cfg.Alerting.ExceedPctLimit,
		DeviationPctLimit: cfg.Alerting.DeviationPctLimit,
		NotifyOnce:        cfg.Alerting.NotifyOnce,
	}, a.Logger)

	return &core{
		session:      session,
		client:       client,
		ingestor:     ingestor,
		orchestrator: orchestrator,
		evaluator:    evaluator,
	}
}

// ensureCredential probes the current credential and refreshes with backoff
// until it is valid or the retry budget is spent.
func (a *App) ensureCredential(ctx context.Context, session *auth.Session) error {
	if session.Probe(ctx) == auth.ValidityValid {
		a.Logger.Info().Msg("source credential valid")
		return nil
	}

	retries := a.Config.Sync.RefreshRetries
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		a.Logger.Warn().Int("attempt", attempt).Msg("source credential invalid; refreshing")
		validity, err := session.Refresh(ctx)
		if err == nil && validity == auth.ValidityValid {
			a.Logger.Info().Msg("source credential refreshed")
			return nil
		}
		lastErr = err

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * a.Config.Sync.RefreshBackoff):
		}
	}
	return fmt.Errorf("could not obtain a valid source credential: %w", lastErr)
}

func (a *App) syncCycle(c *core, store *storage.Store) func(ctx context.Context, win source.Window) (syncer.CycleResult, error) {
	return func(ctx context.Context, win source.Window) (syncer.CycleResult, error) {
		currencies, err := store.ListTracked(ctx)
		if err != nil {
			return syncer.CycleResult{}, fmt.Errorf("list tracked currencies: %w", err)
		}
		return c.orchestrator.RunCycle(ctx, currencies, win)
	}
}

// ExportOptions hold parameters for exporting a currency's history.
type ExportOptions struct {
	Currency  string
	Hours     int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SyncOptions configure a one-off sync cycle.
type SyncOptions struct {
	Full bool
}
