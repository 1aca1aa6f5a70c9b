package flow

import "regexp"

// IntentClassifier decides whether a caller utterance expresses an
// affirmative response or a wish to end the call. The interpreter also runs
// generated replies through EndCall so an agent saying goodbye terminates
// the call like a caller saying it.
//
// Implementations must be safe for concurrent use.
type IntentClassifier interface {
	// Affirmative reports whether text agrees to a yes/no style prompt.
	Affirmative(text string) bool

	// EndCall reports whether text contains a call-ending phrase.
	EndCall(text string) bool
}

// Compile-time interface assertion.
var _ IntentClassifier = (*RegexClassifier)(nil)

var (
	affirmativeRe = regexp.MustCompile(`(?i)(yes|sure|okay|ok|agree)`)
	endPhraseRe   = regexp.MustCompile(`(?i)(goodbye|bye|thank you|that's all|that's it)`)
)

// RegexClassifier is the default [IntentClassifier]: case-insensitive
// substring matching against fixed pattern sets. "Thanks, bye now" ends the
// call because it contains "bye".
type RegexClassifier struct{}

// Affirmative implements IntentClassifier.
func (RegexClassifier) Affirmative(text string) bool {
	return affirmativeRe.MatchString(text)
}

// EndCall implements IntentClassifier.
func (RegexClassifier) EndCall(text string) bool {
	return endPhraseRe.MatchString(text)
}
