package doc

import (
	"encoding/json"
	"fmt"
	"time"

	"cowrite/pkg/op"
)

// Document is the authoritative copy of one collaboratively edited
// document. The version counter starts at 1 and only the reconciler
// advances it; everything else holds derived, possibly stale replicas.
type Document struct {
	ID             string
	Title          string
	Table          *PieceTable
	Version        int64
	CreatedAt      time.Time
	LastModifiedAt time.Time
}

// New creates a document at version 1 with the given initial content.
func New(id, title, initial string) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:             id,
		Title:          title,
		Table:          NewPieceTable(initial),
		Version:        1,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// Text returns the current flat text.
func (d *Document) Text() string { return d.Table.Text() }

// Len returns the current flat text length in runes.
func (d *Document) Len() int { return d.Table.Len() }

// ApplyOperation mutates the content according to o. The version counter is
// not touched here; the reconciler owns it. Returns *op.OutOfRangeError
// when the operation does not fit the current content.
func (d *Document) ApplyOperation(o op.Operation) error {
	switch o.Kind {
	case op.Insert:
		if o.Length > 0 {
			// Splice form: replace [Position, Position+Length) wholesale.
			if o.Position < 0 || o.Position+o.Length > d.Len() {
				return &op.OutOfRangeError{Op: o.Kind, Pos: o.Position, Span: o.Length, TextLen: d.Len()}
			}
			if err := d.Table.Delete(o.Position, o.Length); err != nil {
				return err
			}
		}
		if err := d.Table.Insert(o.Position, o.Content); err != nil {
			return err
		}
	case op.Delete:
		if err := d.Table.Delete(o.Position, o.Length); err != nil {
			return err
		}
	case op.Style:
		if err := d.Table.AddStyle(o.Position, o.Length, o.Attributes); err != nil {
			return err
		}
	case op.Line:
		props := op.LineProperties{Type: "paragraph"}
		if o.Line != nil {
			props = *o.Line
		}
		if err := d.Table.SetLineMarker(o.Position, props); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	d.LastModifiedAt = time.Now().UTC()
	return nil
}

// Snapshot is the serialized document content plus resolved annotation
// layers, as shipped in document_state and sync_response messages.
type Snapshot struct {
	Text   string      `json:"text"`
	Table  *PieceTable `json:"table"`
	Styles []FlatStyle `json:"styles,omitempty"`
	Lines  []FlatLine  `json:"lines,omitempty"`
}

// Snapshot serializes the current content.
func (d *Document) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(Snapshot{
		Text:   d.Table.Text(),
		Table:  d.Table,
		Styles: d.Table.FlatStyles(),
		Lines:  d.Table.FlatLines(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

// LoadSnapshot replaces the content wholesale, as a client does when it
// adopts a sync_response.
func (d *Document) LoadSnapshot(raw json.RawMessage, version int64) error {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Table == nil {
		s.Table = NewPieceTable(s.Text)
	}
	d.Table = s.Table
	d.Version = version
	d.LastModifiedAt = time.Now().UTC()
	return nil
}
