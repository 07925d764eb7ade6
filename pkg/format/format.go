// Copyright 2024-2026 Aiku AI

// Package format holds text helpers shared by the adapters: mention
// resolution, reply fallbacks and URL-aware rewriting. Protocol specific
// conversions live in the discordfmt and ircfmt subpackages.
package format

import (
	"regexp"
	"strings"
)

// URLPattern matches http(s) URLs, including balanced parentheses. Control
// characters end a URL so IRC formatting codes around links are not swallowed.
var URLPattern = regexp.MustCompile(`(?i)https?://[^\s<>\[\]()\x00-\x1f]+(?:\([^\s<>\[\]()\x00-\x1f]*\)|[^\s<>\[\]()\x00-\x1f])*`)

// MapOutsideURLs applies fn to every run of text that is not a URL and
// leaves URLs untouched.
func MapOutsideURLs(text string, fn func(string) string) string {
	locs := URLPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return fn(text)
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, loc := range locs {
		if loc[0] > last {
			b.WriteString(fn(text[last:loc[0]]))
		}
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		b.WriteString(fn(text[last:]))
	}
	return b.String()
}
