package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cowrite/pkg/doc"
	"cowrite/pkg/op"
	"cowrite/pkg/wire"
)

// stubRelay feeds a follower canned cross-instance traffic and captures
// what it publishes.
type stubRelay struct {
	incoming  chan []byte
	published chan []byte
}

func newStubRelay() *stubRelay {
	return &stubRelay{
		incoming:  make(chan []byte, 8),
		published: make(chan []byte, 8),
	}
}

func (s *stubRelay) Publish(_ context.Context, _ string, payload []byte) error {
	s.published <- payload
	return nil
}

func (s *stubRelay) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return s.incoming, nil
}

func startFollower(t *testing.T, text string, version int64, relay Relay) *Follower {
	t.Helper()
	snapshot, err := doc.New("d1", "Notes", text).Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	loader := func(context.Context) ([]byte, int64, error) {
		return snapshot, version, nil
	}
	f := NewFollower("d1", FollowerOptions{Loader: loader, Relay: relay})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.Run(ctx)
	return f
}

func joinFollower(t *testing.T, f *Follower, sessionID, userID string) <-chan []byte {
	t.Helper()
	ch, err := f.Join(context.Background(), SessionInfo{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: userID,
		Color:       "#336699",
	})
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestFollowerJoinSendsStoredBaseline(t *testing.T) {
	f := startFollower(t, "stored text", 7, newStubRelay())
	ch := joinFollower(t, f, "s1", "u1")

	state, ok := recv(t, ch).(wire.DocumentState)
	if !ok {
		t.Fatal("first message is not document_state")
	}
	if state.Version != 7 {
		t.Fatalf("baseline version = %d, want 7", state.Version)
	}
	var snap doc.Snapshot
	if err := json.Unmarshal(state.Content, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Text != "stored text" {
		t.Fatalf("baseline text = %q", snap.Text)
	}
}

func TestFollowerFansOutRelayedBroadcasts(t *testing.T) {
	relay := newStubRelay()
	f := startFollower(t, "hello", 3, relay)
	ch := joinFollower(t, f, "s1", "u1")
	recv(t, ch)

	data, err := wire.Encode(wire.DocumentChange{
		Type:       wire.TypeDocumentChange,
		Change:     op.Operation{Kind: op.Insert, Position: 5, Content: "!"},
		UserID:     "remote",
		NewVersion: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	relay.incoming <- data

	change, ok := recv(t, ch).(wire.DocumentChange)
	if !ok || change.NewVersion != 4 || change.UserID != "remote" {
		t.Fatalf("got %+v", change)
	}
}

// A follower never assigns versions. An edit submitted to it is refused
// and answered with a snapshot the client can adopt.
func TestFollowerRefusesEdits(t *testing.T) {
	relay := newStubRelay()
	f := startFollower(t, "hello", 3, relay)
	ch := joinFollower(t, f, "s1", "u1")
	recv(t, ch)

	data, err := wire.Encode(wire.Operation{
		Type:   wire.TypeOperation,
		Change: op.Operation{Kind: op.Insert, Position: 5, Content: "!", SourceVersion: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.Deliver("s1", data)

	msg := recv(t, ch)
	sync, ok := msg.(wire.SyncResponse)
	if !ok {
		t.Fatalf("got %T, want sync_response", msg)
	}
	if sync.Version != 3 {
		t.Fatalf("sync version = %d, want 3", sync.Version)
	}
	select {
	case payload := <-relay.published:
		t.Fatalf("refused edit reached the relay: %s", payload)
	default:
	}
}

func TestFollowerRelaysCursorsBothWays(t *testing.T) {
	relay := newStubRelay()
	f := startFollower(t, "hello", 3, relay)
	chA := joinFollower(t, f, "sA", "alice")
	chB := joinFollower(t, f, "sB", "bob")
	recv(t, chA)
	recv(t, chB)

	data, err := wire.Encode(wire.CursorUpdate{Type: wire.TypeCursorUpdate, Position: 2})
	if err != nil {
		t.Fatal(err)
	}
	f.Deliver("sA", data)

	pos, ok := recv(t, chB).(wire.CursorPosition)
	if !ok || pos.UserID != "alice" || pos.Position != 2 {
		t.Fatalf("got %+v", pos)
	}

	select {
	case payload := <-relay.published:
		msg, err := wire.Decode(payload)
		if err != nil {
			t.Fatal(err)
		}
		if relayed, ok := msg.(wire.CursorPosition); !ok || relayed.UserID != "alice" {
			t.Fatalf("relayed %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cursor never reached the relay")
	}
}
