// Package money parses and formats listing prices and offer amounts.
//
// Amounts use 2 decimal places and are held as int64 cents
// (1.50 = 150 cents).
package money

import (
	"errors"
	"strconv"
	"strings"
)

const Decimals = 2

// maxWholeDigits keeps cents well inside int64.
const maxWholeDigits = 13

var (
	ErrEmpty       = errors.New("amount is required")
	ErrMalformed   = errors.New("amount must be a decimal number")
	ErrTooPrecise  = errors.New("amount has more than 2 decimal places")
	ErrTooLarge    = errors.New("amount is too large")
	ErrNotPositive = errors.New("amount must be greater than zero")
)

// maxExponent bounds scientific notation before the digits are shifted.
const maxExponent = 64

// Parse converts a decimal string (e.g. "1.5" or "1.5e2") to cents.
//
// Rules:
//   - surrounding whitespace and a single leading "$" are ignored
//   - signs, NaN and Inf are rejected; an exponent ("e3", "E-1") is allowed
//   - the value must be a whole number of cents; trailing zeros beyond
//     2 fractional digits are ignored
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, ErrEmpty
	}

	mantissa, exp, err := splitExponent(s)
	if err != nil {
		return 0, err
	}

	parts := strings.Split(mantissa, ".")
	if len(parts) > 2 {
		return 0, ErrMalformed
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
		if frac == "" {
			return 0, ErrMalformed
		}
	}
	if whole == "" && frac == "" {
		return 0, ErrMalformed
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, ErrMalformed
	}

	whole, frac = shiftPoint(whole, frac, exp)
	frac = strings.TrimRight(frac, "0")
	if len(frac) > Decimals {
		return 0, ErrTooPrecise
	}
	whole = strings.TrimLeft(whole, "0")
	if len(whole) > maxWholeDigits {
		return 0, ErrTooLarge
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	cents, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	return cents, nil
}

// splitExponent separates "1.5e2" into "1.5" and 2.
func splitExponent(s string) (string, int, error) {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return s, 0, nil
	}
	mantissa, e := s[:i], s[i+1:]
	neg := false
	if strings.HasPrefix(e, "-") || strings.HasPrefix(e, "+") {
		neg = e[0] == '-'
		e = e[1:]
	}
	if mantissa == "" || e == "" || !digitsOnly(e) {
		return "", 0, ErrMalformed
	}
	e = strings.TrimLeft(e, "0")
	if len(e) > 2 {
		if neg {
			return "", 0, ErrTooPrecise
		}
		return "", 0, ErrTooLarge
	}
	exp := 0
	if e != "" {
		exp, _ = strconv.Atoi(e)
	}
	if exp > maxExponent {
		if neg {
			return "", 0, ErrTooPrecise
		}
		return "", 0, ErrTooLarge
	}
	if neg {
		exp = -exp
	}
	return mantissa, exp, nil
}

// shiftPoint moves the decimal point of whole.frac by exp places.
func shiftPoint(whole, frac string, exp int) (string, string) {
	if exp == 0 {
		return whole, frac
	}
	digits := whole + frac
	point := len(whole) + exp
	switch {
	case point <= 0:
		return "", strings.Repeat("0", -point) + digits
	case point >= len(digits):
		return digits + strings.Repeat("0", point-len(digits)), ""
	default:
		return digits[:point], digits[point:]
	}
}

// ParsePositive is Parse plus a > 0 check.
func ParsePositive(s string) (int64, error) {
	cents, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if cents <= 0 {
		return 0, ErrNotPositive
	}
	return cents, nil
}

// Normalize re-formats a valid positive amount ("150" -> "150.00").
func Normalize(s string) (string, error) {
	cents, err := ParsePositive(s)
	if err != nil {
		return "", err
	}
	return Format(cents), nil
}

// Format converts cents to a decimal string with exactly 2 decimal places.
func Format(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := strconv.FormatInt(cents, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Display renders an amount for message bodies ("$150.00").
func Display(amount string) string {
	if cents, err := Parse(amount); err == nil {
		return "$" + Format(cents)
	}
	return "$" + amount
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
