package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"currency-rate-alerts/internal/auth"
	"currency-rate-alerts/internal/ingest"
	"currency-rate-alerts/internal/source"
	"currency-rate-alerts/internal/storage"
)

// Fetcher pulls raw quotes for one currency.
type Fetcher interface {
	Fetch(ctx context.Context, code string, win source.Window) ([]source.Quote, error)
}

// Ingestor persists a de-duplicated batch.
type Ingestor interface {
	Ingest(ctx context.Context, currency storage.Currency, quotes []source.Quote) (ingest.Result, error)
}

// CredentialRefresher renews the shared source credential.
type CredentialRefresher interface {
	Refresh(ctx context.Context) (auth.Validity, error)
}

// Options tune cycle behaviour.
type Options struct {
	MaxHistoryHours int
	RefreshRetries  int
	RefreshBackoff  time.Duration
}

// CycleResult reports one cycle's outcome and per-currency counts.
type CycleResult struct {
	Success bool                     `json:"success"`
	Counts  map[string]ingest.Result `json:"counts"`
}

// Orchestrator drives one polling cycle across all tracked currencies.
type Orchestrator struct {
	fetcher  Fetcher
	ingestor Ingestor
	session  CredentialRefresher
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs an Orchestrator.
func New(fetcher Fetcher, ingestor Ingestor, session CredentialRefresher, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.RefreshRetries <= 0 {
		opts.RefreshRetries = 3
	}
	if opts.RefreshBackoff <= 0 {
		opts.RefreshBackoff = 5 * time.Second
	}
	return &Orchestrator{
		fetcher:  fetcher,
		ingestor: ingestor,
		session:  session,
		opts:     opts,
		logger:   logger.With().Str("component", "syncer").Logger(),
		now:      time.Now,
	}
}

// RunCycle fetches, filters, and ingests every currency in order. An auth
// failure triggers a credential refresh and restarts the whole cycle, since a
// rejected credential invalidates every in-flight assumption; per-currency
// transport errors only skip that currency.
func (o *Orchestrator) RunCycle(ctx context.Context, currencies []storage.Currency, win source.Window) (CycleResult, error) {
	result := CycleResult{Counts: make(map[string]ingest.Result, len(currencies))}

	restarts := 0
	for {
		restarted, err := o.runPass(ctx, currencies, win, &result)
		if err != nil {
			return result, err
		}
		if !restarted {
			break
		}

		restarts++
		if restarts > o.opts.RefreshRetries {
			return result, fmt.Errorf("credential rejected after %d refreshed cycles", restarts-1)
		}
		result.Counts = make(map[string]ingest.Result, len(currencies))
		o.logger.Info().Int("restart", restarts).Msg("restarting cycle after credential refresh")
	}

	result.Success = true
	return result, nil
}

// runPass walks the currency list once. It reports restarted=true when an
// auth failure was resolved by a refresh and the cycle must start over.
func (o *Orchestrator) runPass(ctx context.Context, currencies []storage.Currency, win source.Window, result *CycleResult) (bool, error) {
	for _, currency := range currencies {
		quotes, err := o.fetcher.Fetch(ctx, currency.Code, win)
		if errors.Is(err, source.ErrAuthRejected) {
			o.logger.Warn().Str("currency", currency.Code).Msg("credential rejected; refreshing")
			if refreshErr := o.refreshCredential(ctx); refreshErr != nil {
				return false, refreshErr
			}
			return true, nil
		}
		if err != nil {
			o.logger.Warn().Err(err).Str("currency", currency.Code).Msg("fetch failed; skipping currency this cycle")
			continue
		}

		filtered := o.filterHistory(quotes)
		res, err := o.ingestor.Ingest(ctx, currency, filtered)
		if err != nil {
			return false, err
		}
		result.Counts[currency.Code] = res
	}
	return false, nil
}

// refreshCredential retries the global refresh with linear backoff up to the
// configured bound. Concurrent discoveries of an auth failure coalesce inside
// the session.
func (o *Orchestrator) refreshCredential(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= o.opts.RefreshRetries; attempt++ {
		validity, err := o.session.Refresh(ctx)
		if err == nil && validity == auth.ValidityValid {
			return nil
		}
		lastErr = err
		o.logger.Warn().Err(err).Int("attempt", attempt).Msg("credential refresh failed")

		if attempt == o.opts.RefreshRetries {
			break
		}
		backoff := time.Duration(attempt) * o.opts.RefreshBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("credential refresh exhausted after %d attempts: %w", o.opts.RefreshRetries, lastErr)
}

// filterHistory discards anything older than the configured max-history
// window, guarding against the source returning more than intended.
func (o *Orchestrator) filterHistory(quotes []source.Quote) []source.Quote {
	cutoff := o.now().Unix() - int64(o.opts.MaxHistoryHours)*3600
	filtered := make([]source.Quote, 0, len(quotes))
	for _, quote := range quotes {
		if quote.Epoch >= cutoff {
			filtered = append(filtered, quote)
		}
	}
	return filtered
}
