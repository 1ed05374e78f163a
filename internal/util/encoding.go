package util

import (
	"encoding/hex"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// FoldLower lower-cases s using Unicode default casing rules. A Caser is
// stateful and must not be shared between goroutines.
func FoldLower(s string) string {
	return cases.Lower(language.Und).String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
