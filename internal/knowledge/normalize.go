package knowledge

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, strips accents and punctuation and collapses
// whitespace. Index terms and queries both go through it.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

var defaultStopwords = []string{
	"a", "o", "as", "os", "e", "de", "do", "da", "dos", "das", "em", "no", "na", "nos", "nas",
	"um", "uma", "que", "por", "para", "com", "se", "me", "eu", "voce", "isso", "esse", "essa",
	"the", "an", "of", "to", "is", "are", "in", "on", "and", "or", "it", "i", "you", "do",
}

type stopwordSet map[string]struct{}

func newStopwordSet(extra []string) stopwordSet {
	set := make(stopwordSet, len(defaultStopwords)+len(extra))
	for _, w := range defaultStopwords {
		set[w] = struct{}{}
	}
	for _, w := range extra {
		if n := Normalize(w); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func (s stopwordSet) has(w string) bool {
	_, ok := s[w]
	return ok
}

// phrase is a run of consecutive words taken from a normalized string.
type phrase struct {
	text  string
	start int
	size  int
}

// phrases returns every window of minSize..maxSize words plus the full text,
// longest first. Windows of equal size keep their left-to-right order.
func phrases(words []string, minSize, maxSize int) []phrase {
	if len(words) == 0 {
		return nil
	}
	var out []phrase
	if len(words) > maxSize {
		out = append(out, phrase{text: strings.Join(words, " "), start: 0, size: len(words)})
	}
	top := maxSize
	if top > len(words) {
		top = len(words)
	}
	for n := top; n >= minSize; n-- {
		for i := 0; i+n <= len(words); i++ {
			out = append(out, phrase{text: strings.Join(words[i:i+n], " "), start: i, size: n})
		}
	}
	return out
}

// containsPhrase reports whether needle occurs in text on word boundaries.
// Both arguments must already be normalized.
func containsPhrase(text, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+needle+" ")
}
