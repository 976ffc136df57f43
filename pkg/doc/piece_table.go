// Package doc holds the document model: a piece table for the flat text
// plus the style and line annotation layers that ride on top of it.
//
// Text lives in two append-only buffers (the original content and
// everything added since); the document is an ordered list of pieces
// referencing spans of those buffers. Edits only split and drop pieces,
// never rewrite the buffers. Styles and line markers are addressed by a
// stable piece id and an offset inside that piece, so they survive the
// re-segmentation that every insert and delete causes.
package doc

import (
	"encoding/json"
	"fmt"

	"cowrite/pkg/op"
)

const (
	bufferOriginal = "original"
	bufferAdd      = "add"
)

// Piece references a span of one of the two text buffers. The ID is stable
// for the piece's lifetime; splitting a piece keeps the ID on the left half
// and mints a new one for the right half.
type Piece struct {
	ID     int    `json:"id"`
	Buffer string `json:"bufferType"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

// StyleRange applies formatting attributes to a span inside one piece.
type StyleRange struct {
	PieceID    int            `json:"pieceId"`
	Offset     int            `json:"startOffset"`
	Length     int            `json:"length"`
	Attributes map[string]any `json:"attributes"`
}

// LineMarker records line-level formatting anchored inside one piece.
type LineMarker struct {
	PieceID    int            `json:"pieceId"`
	Offset     int            `json:"offset"`
	Type       string         `json:"type"` // paragraph, bullet, heading
	Properties map[string]any `json:"properties,omitempty"`
}

// FlatStyle is a style range resolved back to flat-text offsets, for
// consumers that do not know about pieces.
type FlatStyle struct {
	Start      int            `json:"start"`
	Length     int            `json:"length"`
	Attributes map[string]any `json:"attributes"`
}

// FlatLine is a line marker resolved back to a flat-text offset.
type FlatLine struct {
	Offset     int            `json:"offset"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// PieceTable is the mutable document content. It is not safe for
// concurrent use; the reconciler serializes access.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []Piece
	styles   []StyleRange
	lines    []LineMarker
	nextID   int
}

// NewPieceTable builds a table over the given initial text.
func NewPieceTable(initial string) *PieceTable {
	t := &PieceTable{original: []rune(initial), nextID: 1}
	if len(t.original) > 0 {
		t.pieces = append(t.pieces, Piece{ID: t.mintID(), Buffer: bufferOriginal, Start: 0, Length: len(t.original)})
	}
	return t
}

func (t *PieceTable) mintID() int {
	id := t.nextID
	t.nextID++
	return id
}

// Len returns the flat text length in runes.
func (t *PieceTable) Len() int {
	n := 0
	for _, p := range t.pieces {
		n += p.Length
	}
	return n
}

// Text assembles the full flat text.
func (t *PieceTable) Text() string {
	out := make([]rune, 0, t.Len())
	for _, p := range t.pieces {
		out = append(out, t.span(p)...)
	}
	return string(out)
}

func (t *PieceTable) span(p Piece) []rune {
	if p.Buffer == bufferOriginal {
		return t.original[p.Start : p.Start+p.Length]
	}
	return t.add[p.Start : p.Start+p.Length]
}

// PieceAt resolves a flat offset to (piece index, offset within piece).
// An offset equal to the total length resolves to (len(pieces), 0).
func (t *PieceTable) PieceAt(pos int) (int, int) {
	cur := 0
	for i, p := range t.pieces {
		if pos < cur+p.Length {
			return i, pos - cur
		}
		cur += p.Length
	}
	return len(t.pieces), 0
}

// Insert splices text in at the given flat position.
func (t *PieceTable) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	if pos < 0 || pos > t.Len() {
		return &op.OutOfRangeError{Op: op.Insert, Pos: pos, TextLen: t.Len()}
	}
	runes := []rune(text)
	np := Piece{ID: t.mintID(), Buffer: bufferAdd, Start: len(t.add), Length: len(runes)}
	t.add = append(t.add, runes...)

	idx, off := t.PieceAt(pos)
	if off > 0 {
		t.splitPiece(idx, off)
		idx++
	}
	t.pieces = append(t.pieces, Piece{})
	copy(t.pieces[idx+1:], t.pieces[idx:])
	t.pieces[idx] = np
	return nil
}

// Delete removes length runes starting at the given flat position.
func (t *PieceTable) Delete(pos, length int) error {
	if length == 0 {
		return nil
	}
	if pos < 0 || length < 0 || pos+length > t.Len() {
		return &op.OutOfRangeError{Op: op.Delete, Pos: pos, Span: length, TextLen: t.Len()}
	}
	// Split at both cut points so the deletion is a whole number of pieces.
	if idx, off := t.PieceAt(pos); off > 0 {
		t.splitPiece(idx, off)
	}
	if idx, off := t.PieceAt(pos + length); off > 0 {
		t.splitPiece(idx, off)
	}
	start, _ := t.PieceAt(pos)
	end, _ := t.PieceAt(pos + length)

	for _, p := range t.pieces[start:end] {
		t.dropMarkers(p.ID)
	}
	t.pieces = append(t.pieces[:start], t.pieces[end:]...)
	return nil
}

// splitPiece cuts pieces[idx] at off, keeping the ID on the left half and
// relocating styles and line markers that fall in the right half.
func (t *PieceTable) splitPiece(idx, off int) {
	p := t.pieces[idx]
	if off <= 0 || off >= p.Length {
		return
	}
	left := Piece{ID: p.ID, Buffer: p.Buffer, Start: p.Start, Length: off}
	right := Piece{ID: t.mintID(), Buffer: p.Buffer, Start: p.Start + off, Length: p.Length - off}

	t.pieces = append(t.pieces, Piece{})
	copy(t.pieces[idx+1:], t.pieces[idx:])
	t.pieces[idx] = left
	t.pieces[idx+1] = right

	var styles []StyleRange
	for _, s := range t.styles {
		if s.PieceID != p.ID {
			styles = append(styles, s)
			continue
		}
		switch {
		case s.Offset+s.Length <= off:
			styles = append(styles, s)
		case s.Offset >= off:
			s.PieceID = right.ID
			s.Offset -= off
			styles = append(styles, s)
		default:
			// Straddles the cut: one range per half.
			styles = append(styles,
				StyleRange{PieceID: left.ID, Offset: s.Offset, Length: off - s.Offset, Attributes: s.Attributes},
				StyleRange{PieceID: right.ID, Offset: 0, Length: s.Offset + s.Length - off, Attributes: s.Attributes})
		}
	}
	t.styles = styles

	for i := range t.lines {
		if t.lines[i].PieceID == p.ID && t.lines[i].Offset >= off {
			t.lines[i].PieceID = right.ID
			t.lines[i].Offset -= off
		}
	}
}

func (t *PieceTable) dropMarkers(pieceID int) {
	styles := t.styles[:0]
	for _, s := range t.styles {
		if s.PieceID != pieceID {
			styles = append(styles, s)
		}
	}
	t.styles = styles

	lines := t.lines[:0]
	for _, l := range t.lines {
		if l.PieceID != pieceID {
			lines = append(lines, l)
		}
	}
	t.lines = lines
}

// AddStyle applies formatting attributes to [pos, pos+length). The range is
// recorded per piece; existing ranges on the same piece that overlap and
// share an attribute key are replaced, matching last-writer-wins styling.
func (t *PieceTable) AddStyle(pos, length int, attrs map[string]any) error {
	if pos < 0 || length < 0 || pos+length > t.Len() {
		return &op.OutOfRangeError{Op: op.Style, Pos: pos, Span: length, TextLen: t.Len()}
	}
	if length == 0 {
		return nil
	}
	remaining := length
	cur := pos
	for remaining > 0 {
		idx, off := t.PieceAt(cur)
		p := t.pieces[idx]
		n := p.Length - off
		if n > remaining {
			n = remaining
		}
		r := StyleRange{PieceID: p.ID, Offset: off, Length: n, Attributes: attrs}
		t.replaceOverlapping(r)
		t.styles = append(t.styles, r)
		cur += n
		remaining -= n
	}
	return nil
}

func (t *PieceTable) replaceOverlapping(r StyleRange) {
	keep := t.styles[:0]
	for _, s := range t.styles {
		if s.PieceID == r.PieceID && overlaps(s, r) && sharesKey(s.Attributes, r.Attributes) {
			continue
		}
		keep = append(keep, s)
	}
	t.styles = keep
}

func overlaps(a, b StyleRange) bool {
	return a.Offset < b.Offset+b.Length && b.Offset < a.Offset+a.Length
}

func sharesKey(a, b map[string]any) bool {
	for k := range b {
		if _, ok := a[k]; ok {
			return true
		}
	}
	return false
}

// SetLineMarker records line-level formatting for the line containing pos,
// replacing any marker already anchored at the same spot.
func (t *PieceTable) SetLineMarker(pos int, props op.LineProperties) error {
	if pos < 0 || pos > t.Len() {
		return &op.OutOfRangeError{Op: op.Line, Pos: pos, TextLen: t.Len()}
	}
	idx, off := t.PieceAt(pos)
	if idx == len(t.pieces) {
		if len(t.pieces) == 0 {
			return nil
		}
		idx = len(t.pieces) - 1
		off = t.pieces[idx].Length
	}
	m := LineMarker{PieceID: t.pieces[idx].ID, Offset: off, Type: props.Type, Properties: props.Properties}
	keep := t.lines[:0]
	for _, l := range t.lines {
		if !(l.PieceID == m.PieceID && l.Offset == m.Offset) {
			keep = append(keep, l)
		}
	}
	t.lines = append(keep, m)
	return nil
}

// FlatStyles resolves all style ranges to flat-text offsets, in document
// order.
func (t *PieceTable) FlatStyles() []FlatStyle {
	var out []FlatStyle
	cur := 0
	for _, p := range t.pieces {
		for _, s := range t.styles {
			if s.PieceID == p.ID {
				out = append(out, FlatStyle{Start: cur + s.Offset, Length: s.Length, Attributes: s.Attributes})
			}
		}
		cur += p.Length
	}
	return out
}

// FlatLines resolves all line markers to flat-text offsets, in document
// order.
func (t *PieceTable) FlatLines() []FlatLine {
	var out []FlatLine
	cur := 0
	for _, p := range t.pieces {
		for _, l := range t.lines {
			if l.PieceID == p.ID {
				out = append(out, FlatLine{Offset: cur + l.Offset, Type: l.Type, Properties: l.Properties})
			}
		}
		cur += p.Length
	}
	return out
}

type tableJSON struct {
	OriginalBuffer string       `json:"originalBuffer"`
	AddBuffer      string       `json:"addBuffer"`
	Pieces         []Piece      `json:"pieces"`
	Styles         []StyleRange `json:"styles"`
	Lines          []LineMarker `json:"lines"`
	NextID         int          `json:"nextId"`
}

// MarshalJSON encodes the full table state.
func (t *PieceTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableJSON{
		OriginalBuffer: string(t.original),
		AddBuffer:      string(t.add),
		Pieces:         t.pieces,
		Styles:         t.styles,
		Lines:          t.lines,
		NextID:         t.nextID,
	})
}

// UnmarshalJSON restores a table from its encoded state.
func (t *PieceTable) UnmarshalJSON(data []byte) error {
	var raw tableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode piece table: %w", err)
	}
	t.original = []rune(raw.OriginalBuffer)
	t.add = []rune(raw.AddBuffer)
	t.pieces = raw.Pieces
	t.styles = raw.Styles
	t.lines = raw.Lines
	t.nextID = raw.NextID
	if t.nextID < 1 {
		t.nextID = 1
		for _, p := range t.pieces {
			if p.ID >= t.nextID {
				t.nextID = p.ID + 1
			}
		}
	}
	return nil
}
