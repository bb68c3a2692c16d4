package transcript

import (
	"strings"
)

// PhoneticMatcher resolves a word or phrase to a known skill name based on
// pronunciation similarity. It runs in-process with no network calls, fast
// enough for the voice hot path.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the name from candidates that is most
	// phonetically similar to word.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0. Implementations define their own similarity
	// threshold for deciding when a match is "sufficient".
	Match(word string, candidates []string) (corrected string, confidence float64, matched bool)
}

// Correction captures a single substitution made by the corrector.
type Correction struct {
	// From is the text as produced by the STT provider.
	From string

	// To is the canonical skill name that replaced it.
	To string

	// Confidence is the matcher's confidence in this substitution (0.0-1.0).
	Confidence float64
}

// SkillCorrector repairs mis-heard skill names in a transcript against the
// user's tracked skill list, so triage and assessment see canonical names.
//
// SkillCorrector is safe for concurrent use.
type SkillCorrector struct {
	matcher PhoneticMatcher
}

// NewSkillCorrector returns a corrector backed by the given matcher.
func NewSkillCorrector(m PhoneticMatcher) *SkillCorrector {
	return &SkillCorrector{matcher: m}
}

// Correct scans text for n-gram windows that phonetically match a tracked
// skill name and substitutes the canonical spelling. Returns the corrected
// text and the list of substitutions applied; when nothing matched, the text
// is returned unchanged with an empty slice.
//
// The algorithm:
//
//  1. Tokenise the text into whitespace-separated words.
//  2. Determine the maximum number of words in any skill name.
//  3. At each token position, try n-gram windows from that maximum down to 1,
//     accepting the longest match so multi-word names take precedence over
//     partial single-word matches.
//  4. Identical matches (the word was already the canonical name) are not
//     recorded as corrections.
func (c *SkillCorrector) Correct(text string, skills []string) (string, []Correction) {
	corrections := []Correction{}
	if c.matcher == nil || len(skills) == 0 {
		return text, corrections
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, corrections
	}

	maxSkillWords := maxWordCount(skills)

	var output []string
	i := 0
	for i < len(tokens) {
		maxN := maxSkillWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			bare, punct := splitTrailingPunct(window)

			name, conf, ok := c.matcher.Match(bare, skills)
			if !ok {
				continue
			}

			if !strings.EqualFold(bare, name) {
				corrections = append(corrections, Correction{
					From:       bare,
					To:         name,
					Confidence: conf,
				})
			}
			output = append(output, strings.Fields(name+punct)...)
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, corrections
	}
	return strings.Join(output, " "), corrections
}

// splitTrailingPunct separates trailing sentence punctuation from a window so
// matching operates on the bare words and the punctuation survives the
// substitution.
func splitTrailingPunct(s string) (bare, punct string) {
	bare = strings.TrimRight(s, ".,!?;:")
	return bare, s[len(bare):]
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any candidate string. Returns 1 when candidates is empty.
func maxWordCount(candidates []string) int {
	max := 1
	for _, c := range candidates {
		n := len(strings.Fields(c))
		if n > max {
			max = n
		}
	}
	return max
}
