package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"currency-rate-alerts/internal/source"
	"currency-rate-alerts/internal/storage"
)

// RecordStore is the persistence surface the ingestor needs.
type RecordStore interface {
	ExistingIDs(ctx context.Context, code string) (map[string]struct{}, error)
	BulkInsert(ctx context.Context, records []storage.CurrencyRecord) error
}

// Result reports the batch partition for observability.
type Result struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Ingestor writes de-duplicated currency records. Calls for the same currency
// serialize around the existing-id snapshot; different currencies proceed in
// parallel.
type Ingestor struct {
	store  RecordStore
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an Ingestor.
func New(store RecordStore, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		logger: logger.With().Str("component", "ingest").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Ingest filters a raw batch against the stored id set and writes the rest.
// Re-ingesting an already seen batch is a no-op.
func (i *Ingestor) Ingest(ctx context.Context, currency storage.Currency, quotes []source.Quote) (Result, error) {
	lock := i.lockFor(currency.Code)
	lock.Lock()
	defer lock.Unlock()

	existing, err := i.store.ExistingIDs(ctx, currency.Code)
	if err != nil {
		return Result{}, fmt.Errorf("load existing ids for %s: %w", currency.Code, err)
	}

	fresh := make([]storage.CurrencyRecord, 0, len(quotes))
	duplicates := 0
	for _, quote := range quotes {
		id := storage.RecordID(quote.Epoch, currency.Code, quote.Value)
		if _, seen := existing[id]; seen {
			duplicates++
			continue
		}
		// Guards against the same logical record appearing twice in one batch.
		existing[id] = struct{}{}
		fresh = append(fresh, storage.CurrencyRecord{
			ID:        id,
			Currency:  currency.Code,
			Timestamp: time.Unix(quote.Epoch, 0).UTC(),
			Value:     quote.Value,
		})
	}

	if len(fresh) > 0 {
		if err := i.store.BulkInsert(ctx, fresh); err != nil {
			return Result{}, fmt.Errorf("bulk insert for %s: %w", currency.Code, err)
		}
	}

	i.logger.Info().
		Str("currency", currency.Code).
		Int("inserted", len(fresh)).
		Int("duplicates", duplicates).
		Msg("batch ingested")

	return Result{Inserted: len(fresh), Duplicates: duplicates}, nil
}

func (i *Ingestor) lockFor(code string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	lock, ok := i.locks[code]
	if !ok {
		lock = &sync.Mutex{}
		i.locks[code] = lock
	}
	return lock
}
