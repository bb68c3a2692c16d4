package stages

import (
	"strings"
	"testing"
)

func TestChunker_SentenceBoundaries(t *testing.T) {
	t.Parallel()

	c := newChunker()
	var got []string
	for _, fragment := range []string{"Hello", " world. How", " are you? I", " am fine"} {
		got = append(got, c.feed(fragment)...)
	}
	got = append(got, c.flush())

	want := []string{"Hello world.", "How are you?", "I am fine"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunker_DecimalNotSplit(t *testing.T) {
	t.Parallel()

	c := newChunker()
	chunks := c.feed("Your score was 4.5 out of five. Nice work. ")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %q", chunks)
	}
	if chunks[0] != "Your score was 4.5 out of five." {
		t.Errorf("chunk[0] = %q", chunks[0])
	}
}

func TestChunker_EarlyFlushAtClauseBoundary(t *testing.T) {
	t.Parallel()

	c := newChunker()
	head := strings.Repeat("word ", 12) + "pause," // no sentence end, > 60 chars
	tail := " " + strings.Repeat("more ", 6)

	chunks := c.feed(head + tail)
	if len(chunks) == 0 {
		t.Fatal("no early flush for a long sentence-less buffer")
	}
	if !strings.HasSuffix(chunks[0], "pause,") {
		t.Errorf("flush point = %q, want clause boundary", chunks[0])
	}
}

func TestChunker_EarlyFlushAtWhitespaceWithoutClause(t *testing.T) {
	t.Parallel()

	c := newChunker()
	chunks := c.feed(strings.Repeat("steady ", 14)) // 98 chars, no ,:;.!?
	if len(chunks) == 0 {
		t.Fatal("no early flush")
	}
	if strings.Contains(chunks[0], "  ") || len(chunks[0]) > earlyFlushThreshold {
		t.Errorf("flushed chunk = %q (len %d)", chunks[0], len(chunks[0]))
	}
}

func TestChunker_ShortBufferWaits(t *testing.T) {
	t.Parallel()

	c := newChunker()
	if chunks := c.feed("short and incomplete"); len(chunks) != 0 {
		t.Errorf("premature chunks %q", chunks)
	}
	if rest := c.flush(); rest != "short and incomplete" {
		t.Errorf("flush = %q", rest)
	}
}

func TestSanitizeForSpeech(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"Use `grep` to search.", "Use grep to search."},
		{"That was *really* good!", "That was really good!"},
		{`She said "well done" today.`, "She said well done today."},
		{"He replied “sure thing” immediately.", "He replied sure thing immediately."},
		{"Add a quote mark here.", "Add a here."},
		{"Fifty percent sign improvement.", "Fifty improvement."},
		{"Too   many\n\nspaces.", "Too many spaces."},
	}
	for _, tc := range cases {
		if got := sanitizeForSpeech(tc.in); got != tc.want {
			t.Errorf("sanitizeForSpeech(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
