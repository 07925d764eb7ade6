// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord markdown to plain text for IRC.
package discordfmt

import (
	"regexp"
	"strings"

	"github.com/aiku/atl-bridge/pkg/format"
)

var (
	spoilerRe    = regexp.MustCompile(`\|\|([^|]+)\|\|`)
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	underlineRe  = regexp.MustCompile(`__([^_]+)__`)
	strikeRe     = regexp.MustCompile(`~~([^~]+)~~`)
	codeBlockRe  = regexp.MustCompile("```[\\s\\S]*?```")
	doubleCodeRe = regexp.MustCompile("``([^`]+)``")
	codeRe       = regexp.MustCompile("`([^`]+)`")
)

// ToIRC strips Discord markdown. URLs are copied verbatim so underscores and
// asterisks inside links survive. Fenced code blocks are dropped.
func ToIRC(content string) string {
	if content == "" {
		return content
	}
	return format.MapOutsideURLs(content, stripMarkdown)
}

func stripMarkdown(text string) string {
	text = spoilerRe.ReplaceAllString(text, "${1}")
	text = boldRe.ReplaceAllString(text, "${1}")
	text = underlineRe.ReplaceAllString(text, "${1}")
	text = stripSingle(text, '*')
	text = stripSingle(text, '_')
	text = strikeRe.ReplaceAllString(text, "${1}")
	text = codeBlockRe.ReplaceAllString(text, "")
	text = doubleCodeRe.ReplaceAllString(text, "${1}")
	text = codeRe.ReplaceAllString(text, "${1}")
	return text
}

// stripSingle removes single-character emphasis d...d where neither
// delimiter touches another d. RE2 has no lookaround, so this is a scan.
func stripSingle(text string, d byte) string {
	if strings.IndexByte(text, d) < 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		if text[i] == d && (i == 0 || text[i-1] != d) {
			if k := strings.IndexByte(text[i+1:], d); k > 0 {
				end := i + 1 + k
				if end+1 >= len(text) || text[end+1] != d {
					b.WriteString(text[i+1 : end])
					i = end + 1
					continue
				}
			}
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String()
}
