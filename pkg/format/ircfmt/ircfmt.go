// Copyright 2024-2026 Aiku AI

// Package ircfmt converts IRC formatting codes to Discord markdown and splits
// long messages to fit IRC line limits.
package ircfmt

import (
	"regexp"
	"strings"

	"github.com/aiku/atl-bridge/pkg/format"
)

// IRC formatting control codes.
const (
	Bold      = '\x02'
	Color     = '\x03'
	HexColor  = '\x04'
	Reset     = '\x0f'
	Monospace = '\x11'
	Reverse   = '\x16'
	Strike    = '\x1e'
	Italic    = '\x1d'
	Underline = '\x1f'
)

var (
	colorRe    = regexp.MustCompile(`\x03(?:\d{1,2}(?:,\d{1,2})?)?`)
	hexColorRe = regexp.MustCompile(`\x04[0-9a-fA-F]{6}`)
)

// StripColors removes mIRC and hex colour sequences.
func StripColors(content string) string {
	content = colorRe.ReplaceAllString(content, "")
	content = hexColorRe.ReplaceAllString(content, "")
	return strings.ReplaceAll(content, string(HexColor), "")
}

var controlStripper = strings.NewReplacer(
	string(Bold), "",
	string(Reset), "",
	string(Monospace), "",
	string(Reverse), "",
	string(Strike), "",
	string(Italic), "",
	string(Underline), "",
)

// Strip removes every IRC formatting code, colours included, leaving plain
// text.
func Strip(content string) string {
	return controlStripper.Replace(StripColors(content))
}

// ToDiscord converts bold, italic and underline codes to markdown, drops
// colours and escapes markdown metacharacters outside URLs. Formatting still
// open at the end of content is closed.
func ToDiscord(content string) string {
	if content == "" {
		return content
	}
	content = StripColors(content)
	urls := format.URLPattern.FindAllStringIndex(content, -1)
	var b strings.Builder
	b.Grow(len(content) + 8)
	var bold, italic, underline bool
	for i := 0; i < len(content); i++ {
		if len(urls) > 0 && i == urls[0][0] {
			b.WriteString(content[urls[0][0]:urls[0][1]])
			i = urls[0][1] - 1
			urls = urls[1:]
			continue
		}
		switch c := content[i]; c {
		case Bold:
			b.WriteString("**")
			bold = !bold
		case Italic:
			b.WriteString("*")
			italic = !italic
		case Underline:
			b.WriteString("__")
			underline = !underline
		case Reset:
			closeOpen(&b, &bold, &italic, &underline)
		case Monospace, Reverse, Strike:
		case '*', '_', '`', '~', '|':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	closeOpen(&b, &bold, &italic, &underline)
	return b.String()
}

func closeOpen(b *strings.Builder, bold, italic, underline *bool) {
	if *bold {
		b.WriteString("**")
		*bold = false
	}
	if *italic {
		b.WriteString("*")
		*italic = false
	}
	if *underline {
		b.WriteString("__")
		*underline = false
	}
}
