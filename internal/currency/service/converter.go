package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	currencydomain "github.com/smallbiznis/coursepay/internal/currency/domain"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DefaultRatesTTL = time.Hour
	amountScale     = 2

	// refreshBackoff is how long a failed refresh keeps callers on the
	// fallback table before the source is tried again.
	refreshBackoff = time.Minute
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Source     currencydomain.RateSource
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Converter converts amounts through one cached base-currency rate table.
type Converter struct {
	log        *zap.Logger
	clock      clock.Clock
	source     currencydomain.RateSource
	base       string
	ttl        time.Duration
	obsMetrics *obsmetrics.Metrics

	mu         sync.RWMutex
	table      *currencydomain.RateTable
	retryAfter time.Time
}

func NewConverter(p Params) *Converter {
	base := strings.ToUpper(strings.TrimSpace(p.Cfg.Payments.BaseCurrency))
	if base == "" {
		base = "USD"
	}
	ttl := p.Cfg.Payments.RatesCacheTTL
	if ttl <= 0 {
		ttl = DefaultRatesTTL
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Converter{
		log:        log.Named("currency.converter"),
		clock:      clk,
		source:     p.Source,
		base:       base,
		ttl:        ttl,
		obsMetrics: p.ObsMetrics,
	}
}

func (c *Converter) Base() string { return c.base }

// ToBase converts amount from the given currency into the base currency.
func (c *Converter) ToBase(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	return c.Convert(ctx, amount, from, c.base)
}

// FromBase converts a base-currency amount into the given currency.
func (c *Converter) FromBase(ctx context.Context, amount decimal.Decimal, to string) (decimal.Decimal, error) {
	return c.Convert(ctx, amount, c.base, to)
}

// Convert goes through the base currency without intermediate rounding and
// rounds half-up to two decimals once at the end.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if len(from) != 3 || len(to) != 3 {
		return decimal.Zero, currencydomain.ErrInvalidCurrency
	}
	if from == to {
		return roundHalfUp(amount), nil
	}

	table := c.currentTable(ctx)
	fromRate, ok := table.Rate(from)
	if !ok {
		return decimal.Zero, currencydomain.ErrInvalidCurrency
	}
	toRate, ok := table.Rate(to)
	if !ok {
		return decimal.Zero, currencydomain.ErrInvalidCurrency
	}

	inBase := amount.DivRound(fromRate, 16)
	return roundHalfUp(inBase.Mul(toRate)), nil
}

// Table returns the table currently served, refreshing it if needed.
func (c *Converter) Table(ctx context.Context) currencydomain.RateTable {
	return c.currentTable(ctx)
}

func (c *Converter) currentTable(ctx context.Context) currencydomain.RateTable {
	now := c.clock.Now()

	c.mu.RLock()
	cached := c.table
	retryAfter := c.retryAfter
	c.mu.RUnlock()
	if cached != nil && now.Sub(cached.FetchedAt) < c.ttl {
		return *cached
	}
	if now.Before(retryAfter) {
		return c.fallback(ctx, cached, now, currencydomain.ErrRateFetch)
	}

	// Concurrent callers may both refresh; the last successful fetch wins.
	fresh, err := c.fetch(ctx)
	if err == nil {
		c.mu.Lock()
		c.table = &fresh
		c.retryAfter = time.Time{}
		c.mu.Unlock()
		return fresh
	}

	c.mu.Lock()
	c.retryAfter = now.Add(refreshBackoff)
	c.mu.Unlock()
	return c.fallback(ctx, cached, now, err)
}

// fallback serves the stale table when there is one, identity rates otherwise.
func (c *Converter) fallback(ctx context.Context, cached *currencydomain.RateTable, now time.Time, err error) currencydomain.RateTable {
	if cached != nil {
		c.log.Warn("exchange rate refresh failed, serving stale table",
			zap.String("base", c.base),
			zap.Time("fetched_at", cached.FetchedAt),
			zap.Error(err),
		)
		c.obsMetrics.RecordCurrencyFallback(ctx, "stale")
		return *cached
	}

	c.log.Warn("exchange rate refresh failed, using identity rates",
		zap.String("base", c.base),
		zap.Error(err),
	)
	c.obsMetrics.RecordCurrencyFallback(ctx, "identity")
	return currencydomain.RateTable{Base: c.base, Identity: true, FetchedAt: now}
}

func (c *Converter) fetch(ctx context.Context) (currencydomain.RateTable, error) {
	if c.source == nil {
		return currencydomain.RateTable{}, currencydomain.ErrRateFetch
	}
	table, err := c.source.Fetch(ctx, c.base)
	if err != nil {
		return currencydomain.RateTable{}, err
	}
	if len(table.Rates) == 0 {
		return currencydomain.RateTable{}, currencydomain.ErrRateFetch
	}
	table.Base = c.base
	table.FetchedAt = c.clock.Now()
	return table, nil
}

func roundHalfUp(amount decimal.Decimal) decimal.Decimal {
	// decimal.Round rounds half away from zero, which is half-up for the
	// non-negative amounts handled here.
	return amount.Round(amountScale)
}
