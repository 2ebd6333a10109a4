package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	currencydomain "github.com/smallbiznis/coursepay/internal/currency/domain"
	"go.uber.org/zap"
)

type stubSource struct {
	mu      sync.Mutex
	rates   map[string]decimal.Decimal
	err     error
	fetches int
}

func (s *stubSource) Fetch(ctx context.Context, base string) (currencydomain.RateTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return currencydomain.RateTable{}, s.err
	}
	return currencydomain.RateTable{Base: base, Rates: s.rates}, nil
}

func newConverter(source currencydomain.RateSource, clk clock.Clock) *Converter {
	return NewConverter(Params{
		Log:    zap.NewNop(),
		Clock:  clk,
		Source: source,
		Cfg: config.Config{Payments: config.PaymentsConfig{
			BaseCurrency:  "USD",
			RatesCacheTTL: time.Hour,
		}},
	})
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestConvertUSDToZAR(t *testing.T) {
	source := &stubSource{rates: map[string]decimal.Decimal{"ZAR": decimal.NewFromInt(18)}}
	conv := newConverter(source, clock.NewFakeClock(time.Now()))

	got, err := conv.Convert(context.Background(), dec(t, "9.99"), "USD", "ZAR")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !got.Equal(dec(t, "179.82")) {
		t.Fatalf("expected 179.82, got %s", got)
	}
}

func TestToBaseAndFromBaseRoundHalfUp(t *testing.T) {
	source := &stubSource{rates: map[string]decimal.Decimal{
		"EUR": dec(t, "0.5"),
		"JPY": dec(t, "3"),
	}}
	conv := newConverter(source, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func() (decimal.Decimal, error)
		want string
	}{
		{"to base", func() (decimal.Decimal, error) { return conv.ToBase(ctx, dec(t, "1.005"), "EUR") }, "2.01"},
		{"from base", func() (decimal.Decimal, error) { return conv.FromBase(ctx, dec(t, "0.335"), "EUR") }, "0.17"},
		{"from base half", func() (decimal.Decimal, error) { return conv.FromBase(ctx, dec(t, "0.005"), "JPY") }, "0.02"},
		{"same currency", func() (decimal.Decimal, error) { return conv.Convert(ctx, dec(t, "4.445"), "usd", "USD") }, "4.45"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.fn()
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if !got.Equal(dec(t, tc.want)) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestConvertRoundsOnceAcrossBase(t *testing.T) {
	source := &stubSource{rates: map[string]decimal.Decimal{
		"EUR": dec(t, "0.9"),
		"ZAR": dec(t, "18"),
	}}
	conv := newConverter(source, clock.NewFakeClock(time.Now()))

	// 10 EUR = 11.111... USD = 200.00 ZAR; rounding the USD leg first would give 199.98.
	got, err := conv.Convert(context.Background(), decimal.NewFromInt(10), "EUR", "ZAR")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !got.Equal(dec(t, "200")) {
		t.Fatalf("expected 200.00, got %s", got)
	}
}

func TestRatesCachedForTTL(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	source := &stubSource{rates: map[string]decimal.Decimal{"ZAR": decimal.NewFromInt(18)}}
	conv := newConverter(source, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := conv.FromBase(ctx, decimal.NewFromInt(1), "ZAR"); err != nil {
			t.Fatalf("convert: %v", err)
		}
	}
	if source.fetches != 1 {
		t.Fatalf("expected one fetch, got %d", source.fetches)
	}

	clk.Advance(time.Hour)
	if _, err := conv.FromBase(ctx, decimal.NewFromInt(1), "ZAR"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if source.fetches != 2 {
		t.Fatalf("expected refresh after ttl, got %d fetches", source.fetches)
	}
}

func TestStaleTableServedWhenRefreshFails(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	source := &stubSource{rates: map[string]decimal.Decimal{"ZAR": decimal.NewFromInt(18)}}
	conv := newConverter(source, clk)
	ctx := context.Background()

	if _, err := conv.FromBase(ctx, decimal.NewFromInt(1), "ZAR"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	clk.Advance(2 * time.Hour)
	source.err = errors.New("rates api down")

	got, err := conv.FromBase(ctx, decimal.NewFromInt(2), "ZAR")
	if err != nil {
		t.Fatalf("convert with stale table: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(36)) {
		t.Fatalf("expected stale rate conversion 36, got %s", got)
	}
}

func TestFailedRefreshBacksOff(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	source := &stubSource{rates: map[string]decimal.Decimal{"ZAR": decimal.NewFromInt(18)}}
	conv := newConverter(source, clk)
	ctx := context.Background()

	if _, err := conv.FromBase(ctx, decimal.NewFromInt(1), "ZAR"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	clk.Advance(2 * time.Hour)
	source.err = errors.New("rates api down")
	for i := 0; i < 5; i++ {
		got, err := conv.FromBase(ctx, decimal.NewFromInt(1), "ZAR")
		if err != nil {
			t.Fatalf("convert with stale table: %v", err)
		}
		if !got.Equal(decimal.NewFromInt(18)) {
			t.Fatalf("expected stale rate 18, got %s", got)
		}
		clk.Advance(10 * time.Second)
	}
	if source.fetches != 2 {
		t.Fatalf("expected a single failed refresh inside the backoff, got %d fetches", source.fetches)
	}

	source.err = nil
	source.rates = map[string]decimal.Decimal{"ZAR": decimal.NewFromInt(19)}
	clk.Advance(refreshBackoff)
	got, err := conv.FromBase(ctx, decimal.NewFromInt(1), "ZAR")
	if err != nil {
		t.Fatalf("convert after recovery: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(19)) {
		t.Fatalf("expected refreshed rate 19, got %s", got)
	}
	if source.fetches != 3 {
		t.Fatalf("expected refresh after backoff, got %d fetches", source.fetches)
	}
}

func TestIdentityWhenNoCacheAndFetchFails(t *testing.T) {
	source := &stubSource{err: errors.New("unreachable")}
	conv := newConverter(source, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	got, err := conv.ToBase(ctx, dec(t, "9.99"), "ZAR")
	if err != nil {
		t.Fatalf("to base: %v", err)
	}
	if !got.Equal(dec(t, "9.99")) {
		t.Fatalf("expected identity 9.99, got %s", got)
	}

	got, err = conv.FromBase(ctx, dec(t, "9.99"), "ZAR")
	if err != nil {
		t.Fatalf("from base: %v", err)
	}
	if !got.Equal(dec(t, "9.99")) {
		t.Fatalf("expected identity 9.99, got %s", got)
	}
}

func TestUnknownCurrency(t *testing.T) {
	source := &stubSource{rates: map[string]decimal.Decimal{"ZAR": decimal.NewFromInt(18)}}
	conv := newConverter(source, clock.NewFakeClock(time.Now()))

	if _, err := conv.Convert(context.Background(), decimal.NewFromInt(1), "USD", "XXX"); !errors.Is(err, currencydomain.ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
	if _, err := conv.Convert(context.Background(), decimal.NewFromInt(1), "US", "ZAR"); !errors.Is(err, currencydomain.ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency for malformed code, got %v", err)
	}
}

func TestConcurrentConversionsAreSafe(t *testing.T) {
	source := &stubSource{rates: map[string]decimal.Decimal{"ZAR": decimal.NewFromInt(18)}}
	conv := newConverter(source, clock.NewFakeClock(time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := conv.FromBase(context.Background(), decimal.NewFromInt(1), "ZAR"); err != nil {
				t.Errorf("convert: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestHTTPRateSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/USD" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"success","base_code":"USD","rates":{"USD":1,"ZAR":18.0,"inr":83.1}}`))
	}))
	defer srv.Close()

	table, err := NewHTTPRateSource(srv.URL, srv.Client()).Fetch(context.Background(), "usd")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	rate, ok := table.Rate("ZAR")
	if !ok || !rate.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("expected ZAR 18, got %s (ok=%v)", rate, ok)
	}
	if _, ok := table.Rate("INR"); !ok {
		t.Fatalf("expected upper-cased INR rate")
	}
}

func TestHTTPRateSourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPRateSource(srv.URL, srv.Client()).Fetch(context.Background(), "USD")
	if !errors.Is(err, currencydomain.ErrRateFetch) {
		t.Fatalf("expected ErrRateFetch, got %v", err)
	}
}
