// Package money converts catalog display prices ("S/ 15.50", "$1,200") into
// integer cents so order lines can snapshot an exact amount.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Charge bounds enforced by the payment provider, in cents.
const (
	MinChargeCents int64 = 100      // S/ 1.00
	MaxChargeCents int64 = 99999999 // S/ 999,999.99
)

type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid price format: %q", e.Input)
}

// ParseCents parses a display price into cents. Currency markers ("S/", "$"),
// thousands commas and spaces are stripped; what remains must be digits with
// an optional fraction. Fractions beyond two digits round half-up.
func ParseCents(display string) (int64, error) {
	s := strings.TrimSpace(display)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "S/", "")
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, &ParseError{Input: display}
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || !digits(whole) || (hasFrac && (frac == "" || !digits(frac))) {
		return 0, &ParseError{Input: display}
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, &ParseError{Input: display}
	}
	cents := units * 100

	if hasFrac {
		// Keep two digits, round half-up on the third.
		padded := frac + "00"
		c, err := strconv.ParseInt(padded[:2], 10, 64)
		if err != nil {
			return 0, &ParseError{Input: display}
		}
		cents += c
		if len(frac) > 2 && frac[2] >= '5' {
			cents++
		}
	}
	return cents, nil
}

// FormatCents renders cents as a plain two-decimal amount ("15.50").
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
