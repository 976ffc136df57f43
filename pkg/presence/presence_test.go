package presence

import (
	"sync"
	"testing"
	"time"
)

func TestJoinListRemove(t *testing.T) {
	tr := NewTracker(0, nil)
	tr.Join("s1", Collaborator{UserID: "u1", DisplayName: "Ada", Color: "#f00"})
	tr.Join("s2", Collaborator{UserID: "u2", DisplayName: "Grace", Color: "#0f0"})

	list := tr.List()
	if len(list) != 2 {
		t.Fatalf("got %d collaborators, want 2", len(list))
	}
	if list[0].UserID != "u1" || list[1].UserID != "u2" {
		t.Fatalf("list not ordered by user id: %+v", list)
	}

	if !tr.Remove("s1") {
		t.Fatal("first remove should report presence")
	}
	if tr.Remove("s1") {
		t.Fatal("second remove must be a no-op")
	}
}

func TestUpdateCursor(t *testing.T) {
	tr := NewTracker(0, nil)
	tr.Join("s1", Collaborator{UserID: "u1"})
	tr.UpdateCursor("s1", 42)
	c, ok := tr.Get("s1")
	if !ok || c.CursorPosition != 42 {
		t.Fatalf("got %+v/%v, want cursor 42", c, ok)
	}
	// Updates for unknown sessions are dropped silently.
	tr.UpdateCursor("ghost", 7)
	if _, ok := tr.Get("ghost"); ok {
		t.Fatal("unknown session must not be created by a cursor update")
	}
}

func TestSweepEvictsSilentSessions(t *testing.T) {
	var mu sync.Mutex
	evicted := map[string]int{}
	tr := NewTracker(30*time.Second, func(sessionID string, c Collaborator) {
		mu.Lock()
		evicted[sessionID]++
		mu.Unlock()
	})
	tr.Join("quiet", Collaborator{UserID: "u1"})
	tr.Join("chatty", Collaborator{UserID: "u2"})

	// 29s of silence: nobody goes.
	if n := tr.SweepOnce(time.Now().Add(29 * time.Second)); n != 0 {
		t.Fatalf("swept %d sessions before the timeout", n)
	}

	tr.Touch("chatty")
	if n := tr.SweepOnce(time.Now().Add(31 * time.Second)); n != 1 {
		t.Fatalf("got %d evictions, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if evicted["quiet"] != 1 {
		t.Fatalf("quiet session evicted %d times, want exactly once", evicted["quiet"])
	}
	if evicted["chatty"] != 0 {
		t.Fatal("active session must survive the sweep")
	}
}

func TestEvictionFiresExactlyOnceUnderRace(t *testing.T) {
	var mu sync.Mutex
	count := 0
	tr := NewTracker(time.Nanosecond, func(string, Collaborator) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	tr.Join("s1", Collaborator{UserID: "u1"})

	// Explicit disconnect and timeout sweep racing for the same session.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.Remove("s1")
	}()
	go func() {
		defer wg.Done()
		tr.SweepOnce(time.Now().Add(time.Minute))
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("eviction callback fired %d times, want exactly 1", count)
	}
}
