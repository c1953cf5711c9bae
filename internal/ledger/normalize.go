package ledger

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeCode canonicalizes a scanned keycode or barcode.
//
// Scanners emulate keyboards and some layouts emit full-width digits or stray
// control characters; NFKC folds the former to ASCII and the latter are
// dropped. Surrounding whitespace is trimmed.
func NormalizeCode(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
