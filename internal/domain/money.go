package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is an amount of Reál in hundredths. Integer arithmetic keeps credits
// and debits exact.
type Money int64

const CurrencySymbol = "₻"

// String renders the amount with two decimals, e.g. ₻12.50 or -₻3.00.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%s%d.%02d", sign, CurrencySymbol, v/100, v%100)
}

// Decimal renders the amount without the currency symbol.
func (m Money) Decimal() string {
	s := m.String()
	return strings.Replace(s, CurrencySymbol, "", 1)
}

// ParseMoney parses a decimal amount with at most two fractional digits. A
// leading currency symbol is ignored.
func ParseMoney(s string) (Money, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), CurrencySymbol))
	if raw == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	neg := false
	if strings.HasPrefix(raw, "-") {
		neg = true
		raw = raw[1:]
	}
	if raw == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (len(frac) == 0 || len(frac) > 2) {
		return 0, fmt.Errorf("invalid amount %q: at most two decimals", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if w > (math.MaxInt64-99)/100 {
		return 0, fmt.Errorf("invalid amount %q: too large", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return Money(v), nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
