package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "50.00 EUR", Format(5000, "eur"))
	assert.Equal(t, "0.05 USD", Format(5, "USD"))
	assert.Equal(t, "1200 JPY", Format(1200, "JPY"))
	assert.Equal(t, "1.500 KWD", Format(1500, "KWD"))
	assert.Equal(t, "-12.34 EUR", Format(-1234, "EUR"))
}

func TestNormalizeCurrency(t *testing.T) {
	code, ok := NormalizeCurrency(" usd ")
	assert.True(t, ok)
	assert.Equal(t, "USD", code)

	for _, raw := range []string{"", "EURO", "E1R", "€€€"} {
		_, ok := NormalizeCurrency(raw)
		assert.False(t, ok, raw)
	}
}
