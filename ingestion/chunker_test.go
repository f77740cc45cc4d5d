package ingestion

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSentencesWithOverlap(t *testing.T) {
	text := "The cat sat. The dog ran. The bird flew."

	spans := Chunk(text, 20, 5)

	require.Equal(t, []Span{
		{Content: "The cat sat.", Start: 0, End: 12},
		{Content: "sat. The dog ran.", Start: 8, End: 25},
		{Content: "ran. The bird flew.", Start: 21, End: 40},
	}, spans)
	for _, span := range spans {
		assert.LessOrEqual(t, len(span.Content), 20)
	}
}

func TestChunkIsDeterministic(t *testing.T) {
	text := strings.Repeat("Revenue grew in every region this quarter. Churn fell! Did pipeline coverage improve? ", 40) +
		"\n\nA second paragraph closes the report."

	first := Chunk(text, 200, 50)
	second := Chunk(text, 200, 50)
	assert.Equal(t, first, second)
	assert.Greater(t, len(first), 1)
}

func TestChunkCoversAllText(t *testing.T) {
	text := "Q3 bookings closed at 1.2M. Enterprise deals drove growth.\n\n" +
		"Mid-market was flat! Was the SMB motion working? Not yet.\n  \n" +
		strings.Repeat("pipeline ", 60) + "end."

	spans := Chunk(text, 64, 16)
	require.NotEmpty(t, spans)

	var rebuilt strings.Builder
	prevEnd := 0
	for i, span := range spans {
		assert.Equal(t, stripSpace(text[span.Start:span.End]), stripSpace(span.Content), "span %d", i)
		from := span.Start
		if i > 0 {
			if span.Start > prevEnd {
				assert.Empty(t, stripSpace(text[prevEnd:span.Start]), "gap before span %d", i)
			} else {
				from = prevEnd
			}
		}
		rebuilt.WriteString(text[from:span.End])
		prevEnd = span.End
	}
	assert.Equal(t, stripSpace(text), stripSpace(rebuilt.String()))
}

func TestChunkSplitsLongSentencesOnWords(t *testing.T) {
	words := strings.Fields("alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima mike november oscar papa")
	text := strings.Join(words, " ") + "."

	spans := Chunk(text, 20, 5)
	require.Greater(t, len(spans), 1)

	known := map[string]bool{}
	for _, w := range words {
		known[w] = true
	}
	known["papa."] = true

	for _, span := range spans {
		assert.LessOrEqual(t, len(span.Content), 20+5+1)
		for _, w := range strings.Fields(span.Content) {
			assert.True(t, known[w], "word %q was split", w)
		}
	}
}

func TestChunkKeepsOversizedWordWhole(t *testing.T) {
	spans := Chunk("abcdefghijklmnop ok", 5, 0)

	require.Len(t, spans, 2)
	assert.Equal(t, "abcdefghijklmnop", spans[0].Content)
	assert.Equal(t, "ok", spans[1].Content)
}

func TestChunkEmptyInput(t *testing.T) {
	assert.Empty(t, Chunk("", 20, 5))
	assert.Empty(t, Chunk(" \n\n \t", 20, 5))
}

func TestChunkClampsOverlap(t *testing.T) {
	spans := Chunk("One two. Three four. Five six.", 10, 50)
	require.NotEmpty(t, spans)
	for _, span := range spans {
		assert.LessOrEqual(t, len(span.Content), 10+10/4+1)
	}
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
