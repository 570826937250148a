// Package tgui holds small text helpers for chat-sized output.
package tgui

import (
	"strings"
	"unicode/utf8"
)

// TruncRunes returns s truncated to at most n runes, the last of which is
// an ellipsis when anything was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// OneLine collapses every whitespace run, newlines included, to one space.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Preview is OneLine then TruncRunes.
func Preview(s string, n int) string {
	return TruncRunes(OneLine(s), n)
}
