package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKD form of s so visually identical passphrases
// derive the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeEmail trims and lowercases an address before NFKD normalisation.
func NormalizeEmail(s string) string {
	return Normalize(strings.ToLower(strings.TrimSpace(s)))
}
