package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies are charged in whole units by card processors.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {},
	"MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {},
	"XOF": {}, "XPF": {},
}

func currencyExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// ToMinorUnits converts a decimal amount into the provider's integer unit
// (cents, paise). Amounts are expected to be rounded already.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	exp := currencyExponent(currency)
	return amount.Shift(exp).Round(0).IntPart()
}

func FromMinorUnits(units int64, currency string) decimal.Decimal {
	return decimal.New(units, -currencyExponent(currency))
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return code, true
}
