// Package cursor converts between flat text offsets and rendered
// coordinates.
//
// The mapper knows nothing about any particular rendering surface. It
// walks an ordered list of measured spans (the document's text-bearing
// segments, flattened into document order), accumulating length until it
// finds the span containing an offset, and the inverse walk accumulates
// consumed length to turn a point back into an offset. Whoever renders the
// document supplies the spans; the Grid helper builds them for a monospace
// layout and is what the agent and the tests use.
package cursor

import "strings"

// Point is a visual position relative to the rendering container.
type Point struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// Span is one measured text-bearing segment: Length runes laid out from
// Origin, each advancing Advance horizontally, Height tall.
type Span struct {
	Length  int
	Origin  Point
	Advance float64
	Height  float64
}

// Mapper projects offsets onto a measured layout and back.
type Mapper struct {
	spans []Span
	total int
}

// NewMapper builds a mapper over spans in document order.
func NewMapper(spans []Span) *Mapper {
	total := 0
	for _, s := range spans {
		total += s.Length
	}
	return &Mapper{spans: spans, total: total}
}

// Len returns the total rendered length in runes.
func (m *Mapper) Len() int { return m.total }

// OffsetToPoint locates the rendered position of a flat offset. The second
// return is false when the offset lies beyond the rendered text, which
// callers must treat as "cursor currently unrenderable", not an error.
func (m *Mapper) OffsetToPoint(offset int) (Point, bool) {
	if offset < 0 || offset > m.total {
		return Point{}, false
	}
	consumed := 0
	for i, s := range m.spans {
		if offset < consumed+s.Length || (offset == consumed+s.Length && i == len(m.spans)-1) {
			in := offset - consumed
			return Point{Top: s.Origin.Top, Left: s.Origin.Left + float64(in)*s.Advance}, true
		}
		consumed += s.Length
	}
	// Only reachable for an empty layout, where offset 0 is the origin.
	return Point{}, len(m.spans) == 0
}

// PointToOffset translates a pointer position back to a flat offset by the
// same in-order walk. Points outside every span snap to the nearest rune
// boundary of the span whose row contains them; points below or above all
// rows report false.
func (m *Mapper) PointToOffset(p Point) (int, bool) {
	consumed := 0
	for _, s := range m.spans {
		if p.Top >= s.Origin.Top && p.Top < s.Origin.Top+s.Height {
			rel := (p.Left - s.Origin.Left) / s.Advance
			in := int(rel + 0.5)
			if in < 0 {
				in = 0
			}
			if in > s.Length {
				in = s.Length
			}
			return consumed + in, true
		}
		consumed += s.Length
	}
	return 0, false
}

// Grid lays out flat text on a monospace grid, one span per line, breaking
// on newlines. The newline rune itself terminates its line's span so every
// text offset stays addressable.
type Grid struct {
	CellWidth  float64
	LineHeight float64
}

// Spans measures text into mapper spans.
func (g Grid) Spans(text string) []Span {
	lines := strings.Split(text, "\n")
	spans := make([]Span, 0, len(lines))
	top := 0.0
	for i, line := range lines {
		length := len([]rune(line))
		if i < len(lines)-1 {
			length++ // the newline belongs to this line's span
		}
		spans = append(spans, Span{
			Length:  length,
			Origin:  Point{Top: top, Left: 0},
			Advance: g.CellWidth,
			Height:  g.LineHeight,
		})
		top += g.LineHeight
	}
	return spans
}
