package htmlutil

import (
	"regexp"
	"strings"
	"unicode"
)

var innerWhitespace = regexp.MustCompile(`\s\s+`)

// CleanText normalizes text scraped out of server-rendered markup:
// non-printable characters go away, runs of whitespace collapse to a
// single space, and the result is trimmed. Room titles in the portal
// carry both stray newlines and full-width spaces.
func CleanText(s string) string {
	var printable strings.Builder
	for _, c := range s {
		if unicode.IsPrint(c) {
			printable.WriteRune(c)
		} else {
			printable.WriteRune(' ')
		}
	}
	cleaned := innerWhitespace.ReplaceAllString(printable.String(), " ")
	return strings.TrimSpace(cleaned)
}
