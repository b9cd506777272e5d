package engine

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxFilenameLen = 200

// forbiddenFilenameChars are rejected by at least one common filesystem.
const forbiddenFilenameChars = `<>:"/\|?*`

// asciiFold decomposes accented characters and strips the combining marks,
// so "Café Tacvba" becomes "Cafe Tacvba".
var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// SanitizeFilename makes a title safe to use as a filename on common
// filesystems. The result contains only printable ASCII, no reserved
// characters, no trailing dots, and at most 200 characters. The function is
// idempotent: sanitizing twice yields the same string.
func SanitizeFilename(name string) string {
	folded, _, err := transform.String(asciiFold, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r > unicode.MaxASCII || unicode.IsControl(r):
			b.WriteRune(' ')
		case strings.ContainsRune(forbiddenFilenameChars, r):
			// dropped entirely
		default:
			b.WriteRune(r)
		}
	}

	s := strings.Join(strings.Fields(b.String()), " ")
	s = strings.TrimRight(s, ". ")
	if len(s) > maxFilenameLen {
		s = strings.TrimRight(s[:maxFilenameLen], ". ")
	}
	return s
}
