package textseg

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// maxTokenRepeat is how many consecutive occurrences of the same (or nearly
// the same) token survive the dedupe pass. Live ASR stutters tokens three or
// four times; legitimate doubling ("had had", "that that") stays intact.
const maxTokenRepeat = 2

// timeNotation matches the dotted time notation some ASR models emit for
// English ("1.30 a.m.").
var timeNotation = regexp.MustCompile(`\b(\d{1,2})\.(\d{2})\s*(a\.m\.|p\.m\.|am|pm)`)

// Cleanup applies the pre-buffer text hygiene pass: token-run dedupe, the
// low-value fragment filter, and language-specific normalization. Returns ""
// when the text is not worth committing.
func Cleanup(text, language string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	text = dedupeTokenRuns(text)
	if isLowValueFragment(text) {
		return ""
	}
	if language == "en" {
		text = normalizeEnglishTimes(text)
	}
	return text
}

// dedupeTokenRuns collapses runs of repeated tokens to at most
// maxTokenRepeat occurrences. Tokens of four or more characters also match
// when they are one edit apart, which catches stutters that differ by a
// trailing letter ("goin going going").
func dedupeTokenRuns(text string) string {
	words := strings.Fields(text)
	if len(words) < 2 {
		return text
	}

	out := make([]string, 0, len(words))
	run := 1
	for i, w := range words {
		if i == 0 {
			out = append(out, w)
			continue
		}
		if sameToken(w, words[i-1]) {
			run++
			if run > maxTokenRepeat {
				continue
			}
		} else {
			run = 1
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// sameToken compares two tokens ignoring case and surrounding punctuation.
func sameToken(a, b string) bool {
	a = strings.ToLower(strings.Trim(a, ".,!?;:"))
	b = strings.ToLower(strings.Trim(b, ".,!?;:"))
	if a == b {
		return true
	}
	if len(a) >= 4 && len(b) >= 4 {
		return matchr.DamerauLevenshtein(a, b) <= 1
	}
	return false
}

// isLowValueFragment reports whether the text is too thin to commit: a
// single word with no sentence-final punctuation, or at most two characters
// of content.
func isLowValueFragment(text string) bool {
	stripped := strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len([]rune(stripped)) <= 2 {
		return true
	}
	if len(strings.Fields(text)) == 1 && !endsSentence(text) {
		return true
	}
	return false
}

// normalizeEnglishTimes rewrites dotted clock times to colon form
// ("1.30 a.m." -> "1:30 a.m.").
func normalizeEnglishTimes(text string) string {
	return timeNotation.ReplaceAllString(text, "$1:$2 $3")
}
