package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"currency-rate-alerts/internal/source"
	"currency-rate-alerts/internal/storage"
)

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]storage.CurrencyRecord
	inserts int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]storage.CurrencyRecord)}
}

func (f *fakeRecordStore) ExistingIDs(ctx context.Context, code string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]struct{})
	for id, rec := range f.records {
		if rec.Currency == code {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

func (f *fakeRecordStore) BulkInsert(ctx context.Context, records []storage.CurrencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	for _, rec := range records {
		f.records[rec.ID] = rec
	}
	return nil
}

func (f *fakeRecordStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func quote(epoch int64, value string) source.Quote {
	return source.Quote{Epoch: epoch, Value: decimal.RequireFromString(value)}
}

func TestIngestIdempotent(t *testing.T) {
	store := newFakeRecordStore()
	ing := New(store, zerolog.Nop())
	usd := storage.Currency{Code: "USD", Tracked: true}

	batch := []source.Quote{quote(1700000000, "30.0"), quote(1700003600, "31.0")}

	first, err := ing.Ingest(context.Background(), usd, batch)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if first.Inserted != 2 || first.Duplicates != 0 {
		t.Fatalf("first ingest counts = %+v, want 2 inserted 0 duplicates", first)
	}

	second, err := ing.Ingest(context.Background(), usd, batch)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if second.Inserted != 0 || second.Duplicates != 2 {
		t.Fatalf("second ingest counts = %+v, want 0 inserted 2 duplicates", second)
	}
	if store.count() != 2 {
		t.Fatalf("stored set has %d records, want 2", store.count())
	}
}

func TestIngestCollapsesByContent(t *testing.T) {
	store := newFakeRecordStore()
	ing := New(store, zerolog.Nop())
	usd := storage.Currency{Code: "USD", Tracked: true}

	// Same logical records, different arrival order across batches.
	if _, err := ing.Ingest(context.Background(), usd, []source.Quote{quote(1700000000, "30.0"), quote(1700003600, "31.0")}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := ing.Ingest(context.Background(), usd, []source.Quote{quote(1700003600, "31.0"), quote(1700000000, "30.0")}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if store.count() != 2 {
		t.Fatalf("stored set has %d records, want 2", store.count())
	}
}

func TestIngestDeduplicatesWithinBatch(t *testing.T) {
	store := newFakeRecordStore()
	ing := New(store, zerolog.Nop())
	usd := storage.Currency{Code: "USD", Tracked: true}

	res, err := ing.Ingest(context.Background(), usd, []source.Quote{quote(1700000000, "30.0"), quote(1700000000, "30.0")})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if res.Inserted != 1 || res.Duplicates != 1 {
		t.Fatalf("counts = %+v, want 1 inserted 1 duplicate", res)
	}
}

func TestIngestKeepsCurrenciesIndependent(t *testing.T) {
	store := newFakeRecordStore()
	ing := New(store, zerolog.Nop())

	// Identical tuples under different codes must not collide.
	if _, err := ing.Ingest(context.Background(), storage.Currency{Code: "USD"}, []source.Quote{quote(1700000000, "30.0")}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := ing.Ingest(context.Background(), storage.Currency{Code: "EUR"}, []source.Quote{quote(1700000000, "30.0")}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if store.count() != 2 {
		t.Fatalf("stored set has %d records, want 2", store.count())
	}
}

func TestRecordIDDeterministic(t *testing.T) {
	a := storage.RecordID(1700000000, "USD", decimal.RequireFromString("30.10"))
	b := storage.RecordID(1700000000, "USD", decimal.RequireFromString("30.1"))
	if a != b {
		t.Fatal("identical logical values should hash to the same id")
	}

	c := storage.RecordID(1700000000, "USD", decimal.RequireFromString("30.2"))
	if a == c {
		t.Fatal("different values should not collide")
	}
}
