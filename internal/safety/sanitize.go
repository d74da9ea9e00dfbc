package safety

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	scriptBlockRe  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	javascriptRe   = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	stripAll = bluemonday.StrictPolicy()
)

// Sanitize removes markup and script vectors from user input and collapses
// whitespace. The result is a fixed point: Sanitize(Sanitize(s)) == Sanitize(s).
//
// One pass peels a single layer of entity encoding or nested "javascript:",
// so passes repeat until nothing changes. Every layer costs input bytes, which
// bounds the loop by the input length.
func Sanitize(s string) string {
	for passes := len(s) + 1; passes > 0; passes-- {
		next := sanitizeOnce(s)
		if next == s {
			return next
		}
		s = next
	}
	return s
}

func sanitizeOnce(s string) string {
	s = scriptBlockRe.ReplaceAllString(s, "")
	// The strict policy drops every tag and escapes the remaining text;
	// unescaping keeps plain punctuation such as "&" readable.
	s = html.UnescapeString(stripAll.Sanitize(s))
	s = javascriptRe.ReplaceAllString(s, "")
	s = eventHandlerRe.ReplaceAllString(s, "")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
