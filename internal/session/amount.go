package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAmount is returned for any amount input that does not parse as a
// positive decimal. No network call is made for these.
var ErrInvalidAmount = errors.New("enter a valid amount")

// ParseMinorUnits converts a merchant-entered decimal amount to minor units,
// rounding half away from zero at the third decimal place. Parsing is exact
// decimal arithmetic, not float, so "12.345" is always 1235 and "0.005" is
// always 1. Assumes 2-decimal currencies (always x100).
func ParseMinorUnits(input string) (int64, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return 0, ErrInvalidAmount
	}

	whole, frac, hasDot := strings.Cut(raw, ".")
	if hasDot && strings.Contains(frac, ".") {
		return 0, ErrInvalidAmount
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, ErrInvalidAmount
	}
	if len(whole) > 12 {
		return 0, fmt.Errorf("%w: amount too large", ErrInvalidAmount)
	}

	positive := false
	for _, c := range whole + frac {
		if c != '0' {
			positive = true
			break
		}
	}
	if !positive {
		return 0, ErrInvalidAmount
	}

	var minor int64
	for _, c := range whole {
		minor = minor*10 + int64(c-'0')
	}
	minor *= 100

	// First two fractional digits are minor units; the third decides rounding.
	padded := frac + "00"
	minor += int64(padded[0]-'0')*10 + int64(padded[1]-'0')
	if len(frac) > 2 && frac[2] >= '5' {
		minor++
	}

	return minor, nil
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

var currencySymbols = map[string]string{
	"GBP": "£",
	"USD": "$",
	"EUR": "€",
}

// FormatAmount renders minor units for display, e.g. (550, "GBP") -> "£5.50".
// Unknown currencies fall back to "<CODE> <amount>".
func FormatAmount(minor int64, currency string) string {
	code := strings.ToUpper(currency)
	if code == "" {
		code = "GBP"
	}
	if symbol, ok := currencySymbols[code]; ok {
		return fmt.Sprintf("%s%d.%02d", symbol, minor/100, minor%100)
	}
	return fmt.Sprintf("%s %d.%02d", code, minor/100, minor%100)
}
