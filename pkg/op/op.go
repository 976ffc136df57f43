// Package op defines the atomic edit operations exchanged between
// collaborators and the pure functions that apply and coalesce them.
//
// An operation is a tagged union over four kinds: insert and delete mutate
// the document's flat text, style and line only touch the annotation layers
// kept alongside it. Every consumer switches exhaustively on Kind so a new
// kind cannot be added without updating each of them.
package op

import (
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the operation union.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
	Style  Kind = "style"
	Line   Kind = "line"
)

// LineProperties is the payload of a line operation. Line markers are
// addressed through the piece the position falls in rather than a raw
// offset, so they survive re-segmentation of the underlying text storage.
type LineProperties struct {
	Type       string         `json:"type"` // paragraph, bullet, heading
	Properties map[string]any `json:"properties,omitempty"`
}

// Operation is a single atomic edit.
//
// Position counts runes into the document's flat text. Content is set for
// insert, Length for delete and style. An insert carrying a non-zero Length
// is a splice: it removes Length runes at Position before inserting. The
// reconciler uses that form to express "reset to prior content" as one
// operation when restoring a version.
//
// SourceVersion is the document version the author believed was current
// when the operation was created. The diff engine leaves it zero; the
// sender stamps it before transmission.
type Operation struct {
	Kind          Kind            `json:"type"`
	Position      int             `json:"position"`
	Content       string          `json:"content,omitempty"`
	Length        int             `json:"length,omitempty"`
	Attributes    map[string]any  `json:"attributes,omitempty"`
	Line          *LineProperties `json:"lineProperties,omitempty"`
	SourceVersion int64           `json:"sourceVersion"`
}

// OutOfRangeError reports an operation whose position or span falls outside
// the current document bounds. The caller is expected to reconcile (resync)
// rather than apply blindly.
type OutOfRangeError struct {
	Op      Kind
	Pos     int
	Span    int
	TextLen int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s at %d (span %d) out of range for text of length %d",
		e.Op, e.Pos, e.Span, e.TextLen)
}

// Apply returns the flat text produced by applying o to text. It is pure:
// style and line operations return the text unchanged. Positions are rune
// offsets.
func Apply(text string, o Operation) (string, error) {
	runes := []rune(text)
	switch o.Kind {
	case Insert:
		span := o.Length
		if o.Position < 0 || o.Position+span > len(runes) {
			return "", &OutOfRangeError{Op: o.Kind, Pos: o.Position, Span: span, TextLen: len(runes)}
		}
		var b strings.Builder
		b.WriteString(string(runes[:o.Position]))
		b.WriteString(o.Content)
		b.WriteString(string(runes[o.Position+span:]))
		return b.String(), nil
	case Delete:
		if o.Position < 0 || o.Length < 0 || o.Position+o.Length > len(runes) {
			return "", &OutOfRangeError{Op: o.Kind, Pos: o.Position, Span: o.Length, TextLen: len(runes)}
		}
		return string(runes[:o.Position]) + string(runes[o.Position+o.Length:]), nil
	case Style:
		if o.Position < 0 || o.Length < 0 || o.Position+o.Length > len(runes) {
			return "", &OutOfRangeError{Op: o.Kind, Pos: o.Position, Span: o.Length, TextLen: len(runes)}
		}
		return text, nil
	case Line:
		if o.Position < 0 || o.Position > len(runes) {
			return "", &OutOfRangeError{Op: o.Kind, Pos: o.Position, TextLen: len(runes)}
		}
		return text, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", o.Kind)
}

// ApplyAll applies ops in order, stopping at the first failure.
func ApplyAll(text string, ops []Operation) (string, error) {
	var err error
	for _, o := range ops {
		if text, err = Apply(text, o); err != nil {
			return "", err
		}
	}
	return text, nil
}

// span is the width an operation occupies for the purpose of merging:
// content length for inserts, Length for deletes.
func span(o Operation) int {
	if o.Kind == Insert {
		return len([]rune(o.Content))
	}
	return o.Length
}

// Optimize coalesces adjacent insert/delete operations of the same kind
// when the second starts exactly where the first ends. The pass is
// idempotent: optimizing an already-optimized sequence returns it
// unchanged. Style and line operations are never merged.
func Optimize(ops []Operation) []Operation {
	if len(ops) == 0 {
		return ops
	}
	out := make([]Operation, 0, len(ops))
	cur := ops[0]
	for _, o := range ops[1:] {
		if canMerge(cur, o) {
			if cur.Kind == Insert {
				cur.Content += o.Content
			} else {
				cur.Length += o.Length
			}
			continue
		}
		out = append(out, cur)
		cur = o
	}
	return append(out, cur)
}

func canMerge(cur, next Operation) bool {
	if next.Kind != cur.Kind || next.Position != cur.Position+span(cur) {
		return false
	}
	switch cur.Kind {
	case Insert:
		// Splice inserts carry a Length and never merge.
		return cur.Length == 0 && next.Length == 0
	case Delete:
		return true
	}
	return false
}

// Describe renders a short human-readable summary of an operation for the
// history-browsing surface.
func Describe(o Operation) string {
	switch o.Kind {
	case Insert:
		if o.Length > 0 {
			return fmt.Sprintf("replaced %d characters with %s", o.Length, truncate(o.Content, 20))
		}
		return "inserted " + truncate(o.Content, 20)
	case Delete:
		return fmt.Sprintf("deleted %d characters", o.Length)
	case Style:
		keys := make([]string, 0, len(o.Attributes))
		for k := range o.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) == 0 {
			return "cleared formatting"
		}
		return "applied " + strings.Join(keys, ", ") + " formatting"
	case Line:
		if o.Line == nil {
			return "changed line formatting"
		}
		return "set line to " + o.Line.Type
	}
	return string(o.Kind)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return "'" + s + "'"
	}
	return "'" + string(runes[:n]) + "…'"
}
