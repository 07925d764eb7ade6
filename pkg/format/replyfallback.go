// Copyright 2024-2026 Aiku AI

package format

import "strings"

// AddReplyFallback renders a reply on one line for IRC:
// "author: > quoted | content". Without quoted text content is returned
// unchanged.
func AddReplyFallback(content, quoted, author string) string {
	q := strings.TrimSpace(quoted)
	if q == "" {
		return content
	}
	if !strings.HasPrefix(q, ">") {
		q = "> " + q
	}
	q = strings.Join(strings.Split(strings.ReplaceAll(q, "\r\n", "\n"), "\n"), " ")
	reply := q + " | " + content
	if author != "" {
		return author + ": " + reply
	}
	return reply
}

// StripReplyFallback removes quotation lines ("> text" or a bare ">") that
// clients prepend to replies, for when the reply is conveyed out of band.
func StripReplyFallback(content string) string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		s := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(s, ">") && (len(s) == 1 || s[1] == ' ' || s[1] == '\t') {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
