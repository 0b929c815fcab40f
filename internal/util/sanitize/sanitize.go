// Package sanitize cleans untrusted strings received from agents
// before they are stored or shown to clients.
package sanitize

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var stripMarkup = bluemonday.StrictPolicy()

// Title sanitizes an agent-supplied session title: markup is stripped,
// control characters removed, and the result truncated to maxLen runes.
func Title(s string, maxLen int) string {
	s = stripMarkup.Sanitize(s)

	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if n >= maxLen {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
