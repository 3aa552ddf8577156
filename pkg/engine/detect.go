package engine

import "strings"

// maxFuzzyTermLen bounds the sliding-window comparison; terms longer than
// this are matched by containment only.
const maxFuzzyTermLen = 50

// fuzzyThreshold is the minimum share of matching characters for a
// window to count as a hit.
const fuzzyThreshold = 0.70

// Matches reports whether term occurs in text. Matching is
// case-insensitive containment, falling back to a positional similarity
// scan that tolerates character substitutions the model tends to make
// (accents, typos) as long as 70% of the term survives.
func Matches(text, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	text = strings.ToLower(text)
	if strings.Contains(text, term) {
		return true
	}
	if len(term) > maxFuzzyTermLen || len(text) < len(term) {
		return false
	}
	t := []rune(term)
	s := []rune(text)
	if len(s) < len(t) {
		return false
	}
	for start := 0; start+len(t) <= len(s); start++ {
		same := 0
		for i, r := range t {
			if s[start+i] == r {
				same++
			}
		}
		if float64(same)/float64(len(t)) >= fuzzyThreshold {
			return true
		}
	}
	return false
}

// FirstMatch returns the first term of terms found in text, or "".
func FirstMatch(text string, terms []string) string {
	for _, term := range terms {
		if Matches(text, term) {
			return term
		}
	}
	return ""
}

// replaceMaxLen is the reply length under which a detected mention can
// replace the whole reply.
const replaceMaxLen = 50

// replaceShare is the minimum share of the reply the mention must cover
// for the reply to be replaced instead of kept.
const replaceShare = 0.70

// ShouldReplace decides between the two delivery modes for a reply that
// mentions an offer or action name: when the mention covers at least 70%
// of a reply shorter than 50 characters the reply is effectively just
// the mention and gets suppressed in favor of the pitch blocks. Longer
// or mixed replies stay intact and the pitch is appended after them.
func ShouldReplace(text, term string) bool {
	t := []rune(strings.TrimSpace(text))
	if len(t) == 0 || len(t) >= replaceMaxLen {
		return false
	}
	mention := []rune(strings.TrimSpace(term))
	return float64(len(mention))/float64(len(t)) >= replaceShare
}

// StripTerm removes every occurrence of term from text so internal
// trigger words never reach the user. Only exact case-insensitive
// occurrences are removed; fuzzy hits stay untouched.
func StripTerm(text, term string) string {
	term = strings.TrimSpace(term)
	if term == "" {
		return text
	}
	lower := strings.ToLower(text)
	needle := strings.ToLower(term)
	var b strings.Builder
	for {
		i := strings.Index(lower, needle)
		if i < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:i])
		text = text[i+len(needle):]
		lower = lower[i+len(needle):]
	}
	return strings.TrimSpace(strings.Join(strings.Fields(b.String()), " "))
}
