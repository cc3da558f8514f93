package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// PostgreSQL text columns reject NULL bytes, and backend names received over
// the hook API end up in the shared state tables.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// NormalizeBackendName trims whitespace and strips invalid bytes. Backend
// names are otherwise opaque and compared exactly, so case is preserved.
func NormalizeBackendName(name string) string {
	return strings.TrimSpace(SanitizeUTF8(name))
}
