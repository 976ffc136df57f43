package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCreateLoad(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.CreateDocument(ctx, Record{ID: "d1", Title: "Notes", Content: []byte(`{"text":"hi"}`), Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateDocument(ctx, Record{ID: "d1", Title: "Again"}); err == nil {
		t.Fatal("duplicate create accepted")
	}

	r, err := m.LoadDocument(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Title != "Notes" || r.Version != 1 || string(r.Content) != `{"text":"hi"}` {
		t.Fatalf("got %+v", r)
	}

	_, err = m.LoadDocument(ctx, "nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestMemorySaveAdvances(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.CreateDocument(ctx, Record{ID: "d1", Title: "Notes", Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveDocument(ctx, "d1", []byte(`{"text":"updated"}`), 7); err != nil {
		t.Fatal(err)
	}
	r, err := m.LoadDocument(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Version != 7 || string(r.Content) != `{"text":"updated"}` {
		t.Fatalf("got %+v", r)
	}

	var nf *NotFoundError
	if err := m.SaveDocument(ctx, "ghost", nil, 1); !errors.As(err, &nf) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestMemoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		err := m.CreateDocument(ctx, Record{
			ID:        id,
			Title:     id,
			Content:   []byte("x"),
			Version:   1,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	list, err := m.ListDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "new" || list[2].ID != "old" {
		t.Fatalf("got %+v", list)
	}
	if list[0].Content != nil {
		t.Fatal("list should not carry content")
	}
}
