package wire

import (
	"errors"
	"testing"

	"cowrite/pkg/op"
)

func TestDecodeOperation(t *testing.T) {
	data := []byte(`{"type":"operation","change":{"type":"insert","position":6,"content":"there ","sourceVersion":5}}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	o, ok := msg.(Operation)
	if !ok {
		t.Fatalf("got %T, want Operation", msg)
	}
	if o.Change.Kind != op.Insert || o.Change.Position != 6 || o.Change.SourceVersion != 5 {
		t.Fatalf("got %+v", o.Change)
	}
}

func TestDecodeSyncRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"sync_request","version":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if sr, ok := msg.(SyncRequest); !ok || sr.Version != 3 {
		t.Fatalf("got %T %+v", msg, msg)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, data := range [][]byte{
		[]byte(`{not json`),
		[]byte(`{"type":"launch_missiles"}`),
		[]byte(`{"type":"operation","change":"not an operation"}`),
	} {
		_, err := Decode(data)
		var mal *MalformedMessageError
		if !errors.As(err, &mal) {
			t.Fatalf("%s: got %v, want MalformedMessageError", data, err)
		}
	}
}

func TestEncodeDecodeDocumentChange(t *testing.T) {
	in := DocumentChange{
		Type:       TypeDocumentChange,
		Change:     op.Operation{Kind: op.Delete, Position: 2, Length: 4, SourceVersion: 7},
		UserID:     "u1",
		NewVersion: 8,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := msg.(DocumentChange)
	if !ok {
		t.Fatalf("got %T", msg)
	}
	if out.NewVersion != 8 || out.Change.Length != 4 || out.UserID != "u1" {
		t.Fatalf("got %+v", out)
	}
}
