package domain

import (
	"fmt"
	"strings"

	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

const spainPrefix = "34"

// NormalizePhone reduces a Spanish phone number to its nine local digits.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 13 && strings.HasPrefix(digits, "00"+spainPrefix):
		digits = digits[4:]
	case len(digits) == 11 && strings.HasPrefix(digits, spainPrefix):
		digits = digits[2:]
	}
	if len(digits) != 9 {
		return "", fmt.Errorf("%w: phone %q does not have nine local digits", apperrors.ErrValidation, raw)
	}
	if digits[0] < '6' {
		return "", fmt.Errorf("%w: phone %q has an unknown prefix", apperrors.ErrValidation, raw)
	}
	return digits, nil
}

// E164 formats nine local digits as an international number.
func E164(local string) string {
	if local == "" || strings.HasPrefix(local, "+") {
		return local
	}
	return "+" + spainPrefix + local
}
