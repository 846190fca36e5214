package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func staticHeader(v string) HeaderFunc {
	return func() string { return v }
}

func TestFetchDaily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/USD/daily" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "60" {
			t.Fatalf("limit = %q, want 60", r.URL.Query().Get("limit"))
		}
		if r.Header.Get("Authorization") != "Basic abc" {
			t.Fatalf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			t.Fatal("missing X-Requested-With header")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": false,
			"data": []map[string]any{
				{"update_date": 1700000000, "close": 30.4567},
				{"update_date": 1700003600, "close": 30.5},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RequestTimeout: time.Second}, staticHeader("Basic abc"), zerolog.Nop())

	quotes, err := c.Fetch(context.Background(), "USD", Window{Limit: 60})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	if quotes[0].Epoch != 1700000000 {
		t.Fatalf("epoch = %d", quotes[0].Epoch)
	}
	if !quotes[0].Value.Equal(decimal.RequireFromString("30.4567")) {
		t.Fatalf("value = %s, want unrounded 30.4567", quotes[0].Value)
	}
}

func TestFetchArchiveWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/EUR/archive" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		wantStart := now.Unix() - 24*3600
		if r.URL.Query().Get("start") != "1709208000" || r.URL.Query().Get("end") != "1709294400" {
			t.Fatalf("window = start %s end %s, want %d..%d", r.URL.Query().Get("start"), r.URL.Query().Get("end"), wantStart, now.Unix())
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"error": false, "data": []map[string]any{}})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RequestTimeout: time.Second}, staticHeader(""), zerolog.Nop())
	c.now = func() time.Time { return now }

	if _, err := c.Fetch(context.Background(), "EUR", Window{LastHours: 24}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
}

func TestFetchAuthRejectedFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": true})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RequestTimeout: time.Second}, staticHeader("Basic stale"), zerolog.Nop())

	_, err := c.Fetch(context.Background(), "USD", Window{Limit: 1})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestFetchAuthRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RequestTimeout: time.Second}, staticHeader(""), zerolog.Nop())

	_, err := c.Fetch(context.Background(), "USD", Window{Limit: 1})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestFetchTransportErrorIsNotAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RequestTimeout: time.Second}, staticHeader(""), zerolog.Nop())

	_, err := c.Fetch(context.Background(), "USD", Window{Limit: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrAuthRejected) {
		t.Fatal("transport failures must stay distinct from auth failures")
	}
}

func TestProbeUsesGivenHeader(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"error": false, "data": []map[string]any{}})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RequestTimeout: time.Second, ProbeAsset: "USD"}, staticHeader("Basic current"), zerolog.Nop())

	if err := c.Probe(context.Background(), "Basic candidate"); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := <-seen; got != "Basic candidate" {
		t.Fatalf("probe sent header %q, want the explicit candidate", got)
	}
}
