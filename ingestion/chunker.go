package ingestion

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1024
	DefaultChunkOverlap = 256
)

var paragraphBreak = regexp.MustCompile(`\r?\n[ \t\r]*\n`)

// Span is one chunk of text with its byte offsets in the source. When a chunk
// carries overlap from its predecessor, Start points into the previous chunk.
type Span struct {
	Content string
	Start   int
	End     int
}

// unit is a sentence, or a word of an oversized sentence, located in the source.
type unit struct {
	start, end int
	// paragraphStart marks the first unit of a paragraph.
	paragraphStart bool
}

// Chunk splits text into overlapping spans of roughly targetSize bytes.
// Paragraphs are split on blank lines, paragraphs into sentences, and any
// sentence longer than targetSize into words. Units are packed greedily while
// len(current)+1+len(next) <= targetSize; each new chunk rewinds overlap bytes
// into the previous one, snapped forward to a word start. Words are never
// split, so a single word longer than targetSize becomes its own chunk.
func Chunk(text string, targetSize, overlap int) []Span {
	if targetSize <= 0 {
		targetSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= targetSize {
		overlap = targetSize / 4
	}

	units := splitUnits(text, targetSize)
	if len(units) == 0 {
		return nil
	}

	var (
		spans   []Span
		builder strings.Builder
		start   = units[0].start
		end     = units[0].end
	)
	builder.WriteString(text[units[0].start:units[0].end])

	for _, u := range units[1:] {
		next := text[u.start:u.end]
		if builder.Len()+1+len(next) <= targetSize {
			builder.WriteString(separator(u))
			builder.WriteString(next)
			end = u.end
			continue
		}

		spans = append(spans, Span{Content: builder.String(), Start: start, End: end})

		builder.Reset()
		overlapStart := rewind(text, start, end, overlap)
		if overlapStart < end {
			builder.WriteString(strings.TrimSpace(text[overlapStart:end]))
			builder.WriteString(separator(u))
			start = overlapStart
		} else {
			start = u.start
		}
		builder.WriteString(next)
		end = u.end
	}

	if builder.Len() > 0 {
		spans = append(spans, Span{Content: builder.String(), Start: start, End: end})
	}
	return spans
}

func separator(u unit) string {
	if u.paragraphStart {
		return "\n"
	}
	return " "
}

// rewind returns where the overlap of the next chunk begins: overlap bytes
// before prevEnd, never before prevStart, moved forward to a word boundary.
func rewind(text string, prevStart, prevEnd, overlap int) int {
	if overlap == 0 {
		return prevEnd
	}
	pos := prevEnd - overlap
	if pos < prevStart {
		pos = prevStart
	}
	if pos > 0 && !isSpace(text[pos-1]) {
		for pos < prevEnd && !isSpace(text[pos]) {
			pos++
		}
	}
	for pos < prevEnd && isSpace(text[pos]) {
		pos++
	}
	return pos
}

func splitUnits(text string, targetSize int) []unit {
	var units []unit

	bounds := paragraphBreak.FindAllStringIndex(text, -1)
	paraStart := 0
	paragraphs := make([][2]int, 0, len(bounds)+1)
	for _, b := range bounds {
		paragraphs = append(paragraphs, [2]int{paraStart, b[0]})
		paraStart = b[1]
	}
	paragraphs = append(paragraphs, [2]int{paraStart, len(text)})

	for _, p := range paragraphs {
		first := true
		for _, s := range splitSentences(text, p[0], p[1]) {
			if s.end-s.start > targetSize {
				for _, w := range splitWords(text, s.start, s.end) {
					w.paragraphStart = first
					first = false
					units = append(units, w)
				}
				continue
			}
			s.paragraphStart = first
			first = false
			units = append(units, s)
		}
	}
	return units
}

// splitSentences finds sentences in text[from:to]. A sentence ends at '.', '!'
// or '?' followed by whitespace.
func splitSentences(text string, from, to int) []unit {
	var out []unit
	segStart := from
	for i := from; i < to; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && (i+1 == to || isSpace(text[i+1])) {
			if u, ok := trimUnit(text, segStart, i+1); ok {
				out = append(out, u)
			}
			segStart = i + 1
		}
	}
	if u, ok := trimUnit(text, segStart, to); ok {
		out = append(out, u)
	}
	return out
}

func splitWords(text string, from, to int) []unit {
	var out []unit
	i := from
	for i < to {
		for i < to && isSpace(text[i]) {
			i++
		}
		start := i
		for i < to && !isSpace(text[i]) {
			i++
		}
		if i > start {
			out = append(out, unit{start: start, end: i})
		}
	}
	return out
}

func trimUnit(text string, from, to int) (unit, bool) {
	for from < to && isSpace(text[from]) {
		from++
	}
	for to > from && isSpace(text[to-1]) {
		to--
	}
	return unit{start: from, end: to}, to > from
}

func isSpace(b byte) bool {
	return b < 0x80 && unicode.IsSpace(rune(b))
}
