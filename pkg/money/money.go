// Package money converts between stored minor units and display amounts.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Exponent is the number of minor-unit digits for an ISO 4217 currency.
func Exponent(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "BIF", "CLP", "DJF", "GNF", "ISK", "JPY", "KMF", "KRW", "PYG",
		"RWF", "UGX", "VND", "VUV", "XAF", "XOF", "XPF":
		return 0
	case "BHD", "JOD", "KWD", "OMR", "TND":
		return 3
	default:
		return 2
	}
}

func FromMinor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// Format renders amount as "50.00 EUR".
func Format(amount int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	value := FromMinor(amount, currency).StringFixed(Exponent(currency))
	if currency == "" {
		return value
	}
	return value + " " + currency
}

// NormalizeCurrency upper-cases code and reports whether it is a three-letter code.
func NormalizeCurrency(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return code, false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return code, false
		}
	}
	return code, true
}
