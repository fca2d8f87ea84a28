// Package chunker slices an append-only text buffer into speakable sentences.
//
// Split is pure per call: the caller keeps the remainder, appends newly
// generated text to it, and calls Split again. Sentences are held back until
// enough text has accumulated to be worth synthesizing, so very short
// fragments ("Yes.") ride along with the sentence that follows them.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinLength is the accumulation threshold, in runes, below which
// completed sentences are held back.
const DefaultMinLength = 40

// abbreviations lists tokens whose trailing period does not end a sentence.
// Compared lowercase, with the trailing period already stripped.
var abbreviations = map[string]struct{}{
	// Titles.
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "rev": {},
	"hon": {}, "st": {}, "jr": {}, "sr": {},
	// Latin and common shorthand.
	"e.g": {}, "i.e": {}, "etc": {}, "vs": {}, "cf": {}, "al": {},
	"ca": {}, "approx": {}, "no": {},
	// Units.
	"oz": {}, "lb": {}, "lbs": {}, "kg": {}, "mg": {}, "cm": {}, "mm": {},
	"ft": {}, "hr": {}, "hrs": {}, "min": {}, "sec": {},
}

// Split scans buffer for complete sentences and returns them alongside the
// unconsumed remainder. A sentence ends at a run of `.`, `!` or `?` followed
// by whitespace or end of string; a lone period directly after a known
// abbreviation is not a boundary. Completed sentences are flushed only once
// the trimmed text accumulated since the last flush reaches minLength runes
// (DefaultMinLength when minLength <= 0); until then everything stays in the
// remainder.
func Split(buffer string, minLength int) (complete []string, remainder string) {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	if buffer == "" {
		return nil, ""
	}

	var pending []string
	cut := 0          // byte index: everything before cut has been flushed
	lastBoundary := 0 // byte index: end of the previous pending sentence

	i := 0
	for i < len(buffer) {
		r, size := utf8.DecodeRuneInString(buffer[i:])
		if !isSentencePunct(r) {
			i += size
			continue
		}

		runStart := i
		runLen := 0
		j := i
		for j < len(buffer) {
			r2, s2 := utf8.DecodeRuneInString(buffer[j:])
			if !isSentencePunct(r2) {
				break
			}
			runLen++
			j += s2
		}

		if j < len(buffer) {
			r3, _ := utf8.DecodeRuneInString(buffer[j:])
			if !unicode.IsSpace(r3) {
				// Mid-token punctuation ("e.g" inside "e.g.", decimals, ellipsis
				// glued to a word). Not a boundary.
				i = j
				continue
			}
		}

		if runLen == 1 && buffer[runStart] == '.' && isAbbreviation(buffer[lastBoundary:runStart]) {
			i = j
			continue
		}

		sentence := strings.TrimSpace(buffer[lastBoundary:j])
		if sentence != "" {
			pending = append(pending, sentence)
		}
		lastBoundary = j

		if runeCount(strings.TrimSpace(buffer[cut:j])) >= minLength {
			complete = append(complete, pending...)
			pending = pending[:0]
			cut = j
		}
		i = j
	}

	return complete, buffer[cut:]
}

func isSentencePunct(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// isAbbreviation reports whether the text segment ends in a token from the
// abbreviation set. segment is the sentence text up to (excluding) the period
// under consideration.
func isAbbreviation(segment string) bool {
	segment = strings.TrimRight(segment, " \t\r\n")
	if segment == "" {
		return false
	}
	start := len(segment)
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(segment[:start])
		if unicode.IsSpace(r) {
			break
		}
		start -= size
	}
	token := strings.ToLower(segment[start:])
	token = strings.TrimSuffix(token, ".")
	if token == "" {
		return false
	}
	_, ok := abbreviations[token]
	return ok
}

func runeCount(s string) int {
	return utf8.RuneCountInString(s)
}
