package types

import "unicode/utf8"

// Clip returns the longest prefix of s that is at most max bytes and does
// not split a UTF-8 sequence.
func Clip(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Truncate clips s to max bytes and marks the cut with "..."
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return Clip(s, max) + "..."
}
