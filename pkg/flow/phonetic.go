package flow

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultPhoneticThreshold = 0.88

// affirmativeKeywords and endKeywords are the canonical forms the phonetic
// classifier matches transcript tokens against. Multi-word phrases are
// compared against token bigrams.
var (
	affirmativeKeywords = []string{"yes", "sure", "okay", "ok", "agree"}
	endKeywords         = []string{"goodbye", "bye", "thank you", "that's all", "that's it"}
)

// PhoneticOption is a functional option for configuring a [PhoneticClassifier].
type PhoneticOption func(*PhoneticClassifier)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetically
// aligned token must reach to count as a match. Default: 0.88.
func WithPhoneticThreshold(threshold float64) PhoneticOption {
	return func(c *PhoneticClassifier) {
		c.threshold = threshold
	}
}

// PhoneticClassifier is an [IntentClassifier] for noisy speech transcripts.
// Exact substring matching misses recognition slips like "buy" for "bye" or
// "sher" for "sure"; this classifier compares Double Metaphone codes of each
// transcript token (and token bigram) against the canonical keyword set and
// confirms candidates with Jaro-Winkler similarity.
//
// Safe for concurrent use; the classifier is read-only after construction.
type PhoneticClassifier struct {
	threshold float64
}

// Compile-time interface assertion.
var _ IntentClassifier = (*PhoneticClassifier)(nil)

// NewPhoneticClassifier returns a PhoneticClassifier configured with the
// supplied options.
func NewPhoneticClassifier(opts ...PhoneticOption) *PhoneticClassifier {
	c := &PhoneticClassifier{threshold: defaultPhoneticThreshold}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Affirmative implements IntentClassifier.
func (c *PhoneticClassifier) Affirmative(text string) bool {
	return c.matchesAny(text, affirmativeKeywords)
}

// EndCall implements IntentClassifier.
func (c *PhoneticClassifier) EndCall(text string) bool {
	return c.matchesAny(text, endKeywords)
}

// matchesAny reports whether any token or token bigram of text matches any
// keyword, phonetically or by string similarity.
func (c *PhoneticClassifier) matchesAny(text string, keywords []string) bool {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(tokens) == 0 {
		return false
	}

	// Candidate spans: every token plus every adjacent bigram, so that
	// phrases like "thank you" can match as a unit.
	spans := make([]string, 0, len(tokens)*2)
	spans = append(spans, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		spans = append(spans, tokens[i]+" "+tokens[i+1])
	}

	for _, kw := range keywords {
		kwCodes := metaphoneCodes(kw)
		for _, span := range spans {
			if c.spanMatches(span, kw, kwCodes) {
				return true
			}
		}
	}
	return false
}

// spanMatches reports whether span matches keyword: phonetic code overlap
// confirmed by Jaro-Winkler, or a high Jaro-Winkler score alone.
func (c *PhoneticClassifier) spanMatches(span, keyword string, kwCodes map[string]struct{}) bool {
	score := matchr.JaroWinkler(stripSpaces(span), stripSpaces(keyword), false)
	if codesOverlap(metaphoneCodes(span), kwCodes) {
		// Phonetic alignment lowers the similarity bar slightly.
		return score >= c.threshold-0.1
	}
	return score >= c.threshold
}

// metaphoneCodes returns the union of Double Metaphone codes for every token
// in s. Empty codes are excluded.
func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 4)
	for _, t := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}
