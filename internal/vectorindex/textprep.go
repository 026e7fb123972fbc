package vectorindex

import (
	"regexp"
	"strings"
)

// controlCharPattern matches ASCII control characters other than the
// whitespace already folded by collapseWhitespace.
var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// whitespacePattern collapses any run of whitespace (including Chinese
// full-width space U+3000) to a single ASCII space.
var whitespacePattern = regexp.MustCompile(`[\s\x{3000}]+`)

// zeroWidthRunes are dropped outright rather than folded to space, since
// they carry no visual width of their own.
var zeroWidthRunes = map[rune]bool{
	'​': true, // zero width space
	'‌': true, // zero width non-joiner
	'‍': true, // zero width joiner
	'﻿': true, // byte order mark / zero width no-break space
}

// curlyQuoteFold maps typographic quotes to their ASCII equivalents so
// embedding text is stable across sources that quote differently.
var curlyQuoteFold = map[rune]rune{
	'‘': '\'',
	'’': '\'',
	'“': '"',
	'”': '"',
}

// Clean normalizes raw extracted text before it is embedded: it strips
// zero-width runes and control characters, folds curly quotes to their
// ASCII equivalents, and collapses whitespace. Clean is idempotent:
// Clean(Clean(s)) == Clean(s).
func Clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if zeroWidthRunes[r] {
			continue
		}
		if folded, ok := curlyQuoteFold[r]; ok {
			b.WriteRune(folded)
			continue
		}
		b.WriteRune(r)
	}

	cleaned := controlCharPattern.ReplaceAllString(b.String(), "")
	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// PrepareText builds the text an embedding adapter should receive for a
// business concept: "{name}: {description}" when a cleaned description
// exists, otherwise just the name, truncated to at most maxTextLength
// runes. When name alone already exceeds the limit, the combined text
// is truncated to maxTextLength-3 runes with an ellipsis; otherwise only
// the description portion is shortened so the name is never cut off.
func PrepareText(name, description string, maxTextLength int) string {
	cleanName := Clean(name)
	cleanDesc := Clean(description)

	combined := cleanName
	if cleanDesc != "" {
		combined = cleanName + ": " + cleanDesc
	}

	if runeCount(combined) <= maxTextLength {
		return combined
	}

	if runeCount(cleanName) >= maxTextLength {
		return truncateRunes(combined, maxTextLength-3) + "..."
	}

	prefix := cleanName + ": "
	budget := maxTextLength - runeCount(prefix) - 3
	if budget < 0 {
		budget = 0
	}
	return prefix + truncateRunes(cleanDesc, budget) + "..."
}

func runeCount(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
