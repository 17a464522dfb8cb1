package propref

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies Unicode NFC normalization to a name. All names in a
// model pass through here at declaration and at parse, so path lookups
// can compare byte-wise.
func Normalize(name string) string {
	if norm.NFC.IsNormalString(name) {
		return name
	}
	return norm.NFC.String(name)
}

// ValidName reports whether s is a legal node, list, or property name:
// non-empty, letters/digits/underscore/hyphen only, and not purely
// decimal (pure-decimal segments parse as list indices).
func ValidName(s string) bool {
	if s == "" || s == ".." || isDecimal(s) {
		return false
	}
	if strings.HasSuffix(s, "[]") {
		return false
	}
	for _, c := range s {
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
