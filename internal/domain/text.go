package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FoldLabel normalises free text for comparison: trimmed, NFC, case-folded.
func FoldLabel(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// SameLabel compares two labels after folding.
func SameLabel(a, b string) bool {
	return FoldLabel(a) == FoldLabel(b)
}
