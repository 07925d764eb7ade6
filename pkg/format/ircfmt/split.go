// Copyright 2024-2026 Aiku AI

package ircfmt

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxBytes leaves room in a 512 byte IRC line for the prefix,
// command, target and tags.
const DefaultMaxBytes = 450

// Split cuts content into chunks of at most maxBytes bytes. Chunks never end
// inside a UTF-8 sequence (a single rune wider than maxBytes gets a chunk of
// its own), and a chunk is cut after its last space when that
// space lies in the second half of the chunk. Concatenating the chunks
// yields content.
func Split(content string, maxBytes int) []string {
	if content == "" {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(content) <= maxBytes {
		return []string{content}
	}
	var chunks []string
	for start := 0; start < len(content); {
		end := min(start+maxBytes, len(content))
		if end < len(content) {
			end = runeBoundary(content, start, end)
			if sp := strings.LastIndexByte(content[start:end], ' '); sp > maxBytes/2 {
				end = start + sp + 1
			}
		}
		chunks = append(chunks, content[start:end])
		start = end
	}
	return chunks
}

// runeBoundary backs end up to the start of the rune it falls inside. When
// the chunk holds no rune start after start (maxBytes is smaller than the
// rune), end moves forward past the rune instead. Runs of stray continuation
// bytes longer than a rune leave end unchanged.
func runeBoundary(s string, start, end int) int {
	for i := end; i > start; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	for i := end + 1; i <= min(end+utf8.UTFMax-1, len(s)); i++ {
		if i == len(s) || utf8.RuneStart(s[i]) {
			return i
		}
	}
	return end
}
