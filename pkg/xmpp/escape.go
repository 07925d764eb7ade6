// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import "strings"

// XEP-0106 escapes for characters a localpart may not contain.
var nodeEscapes = map[rune]string{
	' ':  `\20`,
	'"':  `\22`,
	'&':  `\26`,
	'\'': `\27`,
	'/':  `\2f`,
	':':  `\3a`,
	'<':  `\3c`,
	'>':  `\3e`,
	'@':  `\40`,
	'\\': `\5c`,
}

var nodeUnescapes = func() map[string]rune {
	m := make(map[string]rune, len(nodeEscapes))
	for r, esc := range nodeEscapes {
		m[esc] = r
	}
	return m
}()

// EscapeNode escapes a display name for use as a JID localpart.
func EscapeNode(node string) string {
	var b strings.Builder
	b.Grow(len(node))
	for _, r := range node {
		if esc, ok := nodeEscapes[r]; ok {
			b.WriteString(esc)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnescapeNode reverses EscapeNode. Unknown sequences are kept verbatim.
func UnescapeNode(node string) string {
	if !strings.Contains(node, `\`) {
		return node
	}
	var b strings.Builder
	b.Grow(len(node))
	for i := 0; i < len(node); i++ {
		if node[i] == '\\' && i+3 <= len(node) {
			if r, ok := nodeUnescapes[strings.ToLower(node[i:i+3])]; ok {
				b.WriteRune(r)
				i += 2
				continue
			}
		}
		b.WriteByte(node[i])
	}
	return b.String()
}
