// Copyright 2024-2026 Aiku AI

package format

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Member is a Discord guild member as seen by mention resolution.
type Member struct {
	ID          string
	Nick        string
	DisplayName string
	Username    string
}

func (m *Member) matches(ident string) bool {
	return (m.Nick != "" && strings.EqualFold(m.Nick, ident)) ||
		(m.DisplayName != "" && strings.EqualFold(m.DisplayName, ident)) ||
		(m.Username != "" && strings.EqualFold(m.Username, ident))
}

func findMember(members []Member, ident string) *Member {
	switch strings.ToLower(ident) {
	case "everyone", "here":
		return nil
	}
	for i := range members {
		if members[i].matches(ident) {
			return &members[i]
		}
	}
	return nil
}

func isIdentRune(r rune) bool {
	return r != '@' && r != '#' && !unicode.IsSpace(r)
}

// ResolveMentions rewrites @name tokens that match a member's nick, display
// name or username into Discord mentions. @everyone and @here are never
// rewritten, and nothing inside backtick code spans is touched. Trailing
// punctuation after a name is kept outside the mention.
func ResolveMentions(content string, members []Member) string {
	if content == "" || len(members) == 0 {
		return content
	}
	var b strings.Builder
	b.Grow(len(content))
	i := 0
	for i < len(content) {
		switch content[i] {
		case '`':
			end := codeSpanEnd(content, i)
			b.WriteString(content[i:end])
			i = end
			continue
		case '@':
			j := i + 1
			for j < len(content) {
				r, size := utf8.DecodeRuneInString(content[j:])
				if !isIdentRune(r) {
					break
				}
				j += size
			}
			if j > i+1 {
				ident := content[i+1 : j]
				if m := findMember(members, ident); m != nil {
					b.WriteString("<@" + m.ID + ">")
					i = j
					continue
				}
				trimmed := strings.TrimRight(ident, ".,:;!?)'\"")
				if trimmed != "" && trimmed != ident {
					if m := findMember(members, trimmed); m != nil {
						b.WriteString("<@" + m.ID + ">")
						b.WriteString(ident[len(trimmed):])
						i = j
						continue
					}
				}
				b.WriteString(content[i:j])
				i = j
				continue
			}
		}
		b.WriteByte(content[i])
		i++
	}
	return b.String()
}

// codeSpanEnd returns the index just past the code span opening at i. An
// unterminated span runs to the end of content.
func codeSpanEnd(content string, i int) int {
	if strings.HasPrefix(content[i:], "```") {
		if k := strings.Index(content[i+3:], "```"); k >= 0 {
			return i + 3 + k + 3
		}
		return len(content)
	}
	if k := strings.IndexByte(content[i+1:], '`'); k >= 0 {
		return i + 1 + k + 1
	}
	return len(content)
}
