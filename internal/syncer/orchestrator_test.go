package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"currency-rate-alerts/internal/auth"
	"currency-rate-alerts/internal/ingest"
	"currency-rate-alerts/internal/source"
	"currency-rate-alerts/internal/storage"
)

type scriptedFetcher struct {
	responses map[string][]fetchResponse
	order     []string
}

type fetchResponse struct {
	quotes []source.Quote
	err    error
}

func (f *scriptedFetcher) Fetch(ctx context.Context, code string, win source.Window) ([]source.Quote, error) {
	f.order = append(f.order, code)
	script := f.responses[code]
	if len(script) == 0 {
		return nil, nil
	}
	next := script[0]
	if len(script) > 1 {
		f.responses[code] = script[1:]
	}
	return next.quotes, next.err
}

type recordingIngestor struct {
	batches map[string][]source.Quote
	err     error
}

func (r *recordingIngestor) Ingest(ctx context.Context, currency storage.Currency, quotes []source.Quote) (ingest.Result, error) {
	if r.err != nil {
		return ingest.Result{}, r.err
	}
	if r.batches == nil {
		r.batches = make(map[string][]source.Quote)
	}
	r.batches[currency.Code] = quotes
	return ingest.Result{Inserted: len(quotes)}, nil
}

type fakeSession struct {
	refreshes int
	err       error
}

func (f *fakeSession) Refresh(ctx context.Context) (auth.Validity, error) {
	f.refreshes++
	if f.err != nil {
		return auth.ValidityInvalid, f.err
	}
	return auth.ValidityValid, nil
}

func testCurrencies() []storage.Currency {
	return []storage.Currency{{Code: "EUR"}, {Code: "USD"}}
}

func recentQuote(value string) source.Quote {
	return source.Quote{Epoch: time.Now().Unix(), Value: decimal.RequireFromString(value)}
}

func newOrchestrator(f Fetcher, i Ingestor, s CredentialRefresher) *Orchestrator {
	return New(f, i, s, Options{
		MaxHistoryHours: 24,
		RefreshRetries:  3,
		RefreshBackoff:  time.Millisecond,
	}, zerolog.Nop())
}

func TestCycleRestartsFromFirstCurrencyAfterRefresh(t *testing.T) {
	fetcher := &scriptedFetcher{responses: map[string][]fetchResponse{
		"EUR": {
			{err: source.ErrAuthRejected},
			{quotes: []source.Quote{recentQuote("1.1")}},
		},
		"USD": {
			{quotes: []source.Quote{recentQuote("30.0")}},
		},
	}}
	ingestor := &recordingIngestor{}
	session := &fakeSession{}

	result, err := newOrchestrator(fetcher, ingestor, session).RunCycle(context.Background(), testCurrencies(), source.Window{Limit: 60})
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if !result.Success {
		t.Fatal("cycle should succeed after refresh")
	}
	if session.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", session.refreshes)
	}

	// EUR hit the auth wall, then the whole cycle restarted: USD is
	// re-fetched too, not resumed mid-list.
	want := []string{"EUR", "EUR", "USD"}
	if len(fetcher.order) != len(want) {
		t.Fatalf("fetch order = %v, want %v", fetcher.order, want)
	}
	for i := range want {
		if fetcher.order[i] != want[i] {
			t.Fatalf("fetch order = %v, want %v", fetcher.order, want)
		}
	}

	if len(result.Counts) != 2 {
		t.Fatalf("counts = %+v, want both currencies", result.Counts)
	}
}

func TestCycleIsolatesTransportErrors(t *testing.T) {
	fetcher := &scriptedFetcher{responses: map[string][]fetchResponse{
		"EUR": {{err: errors.New("connection reset")}},
		"USD": {{quotes: []source.Quote{recentQuote("30.0")}}},
	}}
	ingestor := &recordingIngestor{}
	session := &fakeSession{}

	result, err := newOrchestrator(fetcher, ingestor, session).RunCycle(context.Background(), testCurrencies(), source.Window{Limit: 60})
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if !result.Success {
		t.Fatal("a per-currency transport error must not fail the cycle")
	}
	if session.refreshes != 0 {
		t.Fatal("transport errors must not trigger a refresh")
	}
	if _, ok := result.Counts["EUR"]; ok {
		t.Fatal("failed currency should report no counts")
	}
	if counts := result.Counts["USD"]; counts.Inserted != 1 {
		t.Fatalf("USD counts = %+v", counts)
	}
}

func TestCycleFailsWhenRefreshExhausted(t *testing.T) {
	fetcher := &scriptedFetcher{responses: map[string][]fetchResponse{
		"EUR": {{err: source.ErrAuthRejected}},
		"USD": {{quotes: nil}},
	}}
	ingestor := &recordingIngestor{}
	session := &fakeSession{err: errors.New("browser timeout")}

	_, err := newOrchestrator(fetcher, ingestor, session).RunCycle(context.Background(), testCurrencies(), source.Window{Limit: 60})
	if err == nil {
		t.Fatal("expected cycle failure")
	}
	if session.refreshes != 3 {
		t.Fatalf("refreshes = %d, want the configured retry bound", session.refreshes)
	}
}

func TestCycleFiltersStaleHistory(t *testing.T) {
	now := time.Now()
	stale := source.Quote{Epoch: now.Add(-48 * time.Hour).Unix(), Value: decimal.RequireFromString("9.9")}
	fresh := source.Quote{Epoch: now.Add(-1 * time.Hour).Unix(), Value: decimal.RequireFromString("30.0")}

	fetcher := &scriptedFetcher{responses: map[string][]fetchResponse{
		"EUR": {{quotes: []source.Quote{stale, fresh}}},
		"USD": {{quotes: nil}},
	}}
	ingestor := &recordingIngestor{}
	session := &fakeSession{}

	if _, err := newOrchestrator(fetcher, ingestor, session).RunCycle(context.Background(), testCurrencies(), source.Window{LastHours: 24}); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	batch := ingestor.batches["EUR"]
	if len(batch) != 1 {
		t.Fatalf("ingested %d quotes, want only the in-window one", len(batch))
	}
	if !batch[0].Value.Equal(fresh.Value) {
		t.Fatal("stale quote slipped through the history filter")
	}
}

func TestCyclePropagatesStoreErrors(t *testing.T) {
	fetcher := &scriptedFetcher{responses: map[string][]fetchResponse{
		"EUR": {{quotes: []source.Quote{recentQuote("1.1")}}},
		"USD": {{quotes: nil}},
	}}
	ingestor := &recordingIngestor{err: errors.New("insert failed")}
	session := &fakeSession{}

	_, err := newOrchestrator(fetcher, ingestor, session).RunCycle(context.Background(), testCurrencies(), source.Window{Limit: 60})
	if err == nil {
		t.Fatal("store failures must propagate to the caller")
	}
}
