package canonicalize

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText brings free text (rationales, explain strings,
// justifications) to a stable form before hashing or length checks:
// UTF-8 validated, Unicode NFC, CRLF folded to LF, outer whitespace
// trimmed.
func NormalizeText(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("normalize: invalid UTF-8")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = norm.NFC.String(s)
	return strings.TrimSpace(s), nil
}

// TextLength returns the rune count of the normalized form. Justification
// minimums are defined over this count, not raw bytes.
func TextLength(s string) (int, error) {
	n, err := NormalizeText(s)
	if err != nil {
		return 0, err
	}
	return utf8.RuneCountInString(n), nil
}
