package domain

import (
	"html"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// mojibakeLeads are the characters UTF-8 lead bytes turn into when UTF-8 text
// is mistakenly decoded as Windows-1252 ("Ã©" for "é", "â€™" for "’").
const mojibakeLeads = "ÃÂâÅÐÑ"

// NormalizeText unescapes HTML entities, repairs double-encoded UTF-8,
// composes to NFC and trims surrounding whitespace.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "�")
	s = html.UnescapeString(s)
	s = fixMojibake(s)
	s = norm.NFC.String(s)
	return strings.TrimSpace(s)
}

// fixMojibake reverses a single round of UTF-8 decoded as Windows-1252. The
// repair is kept only when re-encoding yields valid UTF-8 that differs from
// the input, so legitimate Latin-1 text passes through untouched.
func fixMojibake(s string) string {
	if !strings.ContainsAny(s, mojibakeLeads) {
		return s
	}
	raw, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil || raw == s || !utf8.ValidString(raw) {
		return s
	}
	return raw
}
