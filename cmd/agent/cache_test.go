package main

import (
	"path/filepath"
	"testing"
)

func TestCacheRoundTrip(t *testing.T) {
	c, err := openCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.close()

	if _, ok, err := c.get("d1"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	if err := c.put("d1", []byte(`{"text":"hi"}`), 4); err != nil {
		t.Fatal(err)
	}
	s, ok, err := c.get("d1")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if s.Version != 4 || string(s.Content) != `{"text":"hi"}` {
		t.Fatalf("got %+v", s)
	}
	if s.SavedAt.IsZero() {
		t.Fatal("savedAt not recorded")
	}

	// Overwrites keep only the latest snapshot.
	if err := c.put("d1", []byte(`{"text":"later"}`), 9); err != nil {
		t.Fatal(err)
	}
	s, _, err = c.get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Version != 9 {
		t.Fatalf("version = %d, want 9", s.Version)
	}
}
