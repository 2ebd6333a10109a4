package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRateFetch       = errors.New("currency_rate_fetch_failed")
	ErrInvalidCurrency = errors.New("invalid_currency")
)

// RateTable holds rates quoted as units of currency per one unit of Base.
type RateTable struct {
	Base      string
	Rates     map[string]decimal.Decimal
	FetchedAt time.Time
	Identity  bool
}

// Rate returns the rate for code. The base currency and identity tables
// always answer 1.
func (t RateTable) Rate(code string) (decimal.Decimal, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if t.Identity || code == t.Base {
		return decimal.NewFromInt(1), true
	}
	rate, ok := t.Rates[code]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

// RateSource fetches a fresh table for base.
type RateSource interface {
	Fetch(ctx context.Context, base string) (RateTable, error)
}

type Converter interface {
	ToBase(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error)
	FromBase(ctx context.Context, amount decimal.Decimal, to string) (decimal.Decimal, error)
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}
