package stages

import (
	"regexp"
	"strings"
)

// earlyFlushThreshold bounds time-to-first-audio: a buffer this long without
// a sentence end is flushed at a clause boundary.
const earlyFlushThreshold = 80

// chunker accumulates streamed LLM text and yields synthesis-sized chunks.
// Chunks end at sentence boundaries when possible; long sentence-less runs
// are flushed early at the last clause boundary or whitespace.
type chunker struct {
	buf       strings.Builder
	threshold int
}

func newChunker() *chunker {
	return &chunker{threshold: earlyFlushThreshold}
}

// feed appends streamed text and returns any chunks that became ready.
func (c *chunker) feed(text string) []string {
	c.buf.WriteString(text)
	var out []string
	for {
		chunk, ok := c.next()
		if !ok {
			return out
		}
		out = append(out, chunk)
	}
}

// next extracts one ready chunk from the buffer.
func (c *chunker) next() (string, bool) {
	s := c.buf.String()

	if end := sentenceEnd(s); end >= 0 {
		c.rest(s[end:])
		return strings.TrimSpace(s[:end]), true
	}
	if len(s) < c.threshold {
		return "", false
	}

	cut := lastClauseBoundary(s[:c.threshold])
	if cut < 0 {
		cut = strings.LastIndexAny(s[:c.threshold], " \t\n")
	}
	if cut <= 0 {
		return "", false
	}
	c.rest(s[cut+1:])
	return strings.TrimSpace(s[:cut+1]), true
}

// flush returns whatever text remains after the stream ends.
func (c *chunker) flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return s
}

func (c *chunker) rest(s string) {
	c.buf.Reset()
	c.buf.WriteString(strings.TrimLeft(s, " \t\n"))
}

// sentenceEnd returns the index just past the first sentence-ending
// punctuation mark that is followed by whitespace or ends the text, or -1.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 {
				// Could be the middle of "3.14" or a sentence still being
				// streamed; wait for the next fragment to decide.
				return -1
			}
			next := s[i+1]
			if next == ' ' || next == '\t' || next == '\n' {
				return i + 1
			}
		}
	}
	return -1
}

// lastClauseBoundary returns the index of the last ",", ":" or ";" in s, -1
// when there is none.
func lastClauseBoundary(s string) int {
	return strings.LastIndexAny(s, ",:;")
}

// spokenPunctuation matches phrases TTS engines read aloud verbatim when an
// LLM describes punctuation instead of using it.
var spokenPunctuation = regexp.MustCompile(`(?i)\b(quote mark|unquote|end quote|asterisk|percent sign|hashtag|ampersand|backslash|forward slash)\b`)

var speechReplacer = strings.NewReplacer(
	"`", "",
	"*", "",
	`"`, "",
	"“", "", // left curly double quote
	"”", "", // right curly double quote
)

// sanitizeForSpeech strips markup and quote characters that synthesis
// engines mispronounce and collapses the resulting whitespace.
func sanitizeForSpeech(text string) string {
	text = speechReplacer.Replace(text)
	text = spokenPunctuation.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}
