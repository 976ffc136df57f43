package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cowrite/pkg/doc"
	"cowrite/pkg/history"
	"cowrite/pkg/op"
	"cowrite/pkg/wire"
)

func startReconciler(t *testing.T, d *doc.Document, hist history.Store) *Reconciler {
	t.Helper()
	r := New(d, Options{History: hist})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func join(t *testing.T, r *Reconciler, sessionID, userID string) <-chan []byte {
	t.Helper()
	ch, err := r.Join(context.Background(), SessionInfo{
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

func recv(t *testing.T, ch <-chan []byte) any {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatal("update channel closed")
		}
		msg, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode update: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return nil
	}
}

func submit(t *testing.T, r *Reconciler, sessionID string, o op.Operation) {
	t.Helper()
	data, err := wire.Encode(wire.Operation{Type: wire.TypeOperation, Change: o})
	if err != nil {
		t.Fatal(err)
	}
	r.Deliver(sessionID, data)
}

func TestJoinSendsBaseline(t *testing.T) {
	d := doc.New("d1", "Notes", "hello world")
	r := startReconciler(t, d, nil)
	ch := join(t, r, "s1", "u1")

	state, ok := recv(t, ch).(wire.DocumentState)
	if !ok {
		t.Fatalf("first message is not document_state")
	}
	if state.Version != 1 {
		t.Fatalf("baseline version = %d, want 1", state.Version)
	}
	var snap doc.Snapshot
	if err := json.Unmarshal(state.Content, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Text != "hello world" {
		t.Fatalf("baseline text = %q", snap.Text)
	}
	if len(state.ActiveUsers) != 1 || state.ActiveUsers[0].UserID != "u1" {
		t.Fatalf("active users = %+v", state.ActiveUsers)
	}
}

// Two edits racing from the same base version are applied in arrival
// order against the evolving content. The second position is taken as
// submitted, not shifted to account for the first edit.
func TestArrivalOrderWithoutRebasing(t *testing.T) {
	d := doc.New("d1", "Notes", "hello world")
	r := startReconciler(t, d, nil)
	chA := join(t, r, "sA", "alice")
	chB := join(t, r, "sB", "bob")
	recv(t, chA)
	recv(t, chB)

	submit(t, r, "sA", op.Operation{Kind: op.Insert, Position: 5, Content: " brave", SourceVersion: 1})
	first, ok := recv(t, chA).(wire.DocumentChange)
	if !ok || first.NewVersion != 2 {
		t.Fatalf("first broadcast: %+v", first)
	}

	// Bob still thinks he is at version 1 and aims at the old position 5.
	submit(t, r, "sB", op.Operation{Kind: op.Insert, Position: 5, Content: " big", SourceVersion: 1})
	second, ok := recv(t, chA).(wire.DocumentChange)
	if !ok || second.NewVersion != 3 {
		t.Fatalf("second broadcast: %+v", second)
	}
	if second.Change.Position != 5 {
		t.Fatalf("position was rebased to %d", second.Change.Position)
	}

	// Both senders see their own changes echoed back too.
	if msg, ok := recv(t, chB).(wire.DocumentChange); !ok || msg.NewVersion != 2 {
		t.Fatalf("bob missed first broadcast: %+v", msg)
	}
	if msg, ok := recv(t, chB).(wire.DocumentChange); !ok || msg.NewVersion != 3 {
		t.Fatalf("bob missed second broadcast: %+v", msg)
	}

	state, err := r.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Text != "hello big brave world" {
		t.Fatalf("text = %q, want %q", state.Text, "hello big brave world")
	}
	if state.Version != 3 {
		t.Fatalf("version = %d, want 3", state.Version)
	}
}

func TestDivergedClientGetsResync(t *testing.T) {
	d := doc.New("d1", "Notes", "")
	r := startReconciler(t, d, nil)
	chA := join(t, r, "sA", "alice")
	chB := join(t, r, "sB", "bob")
	recv(t, chA)
	recv(t, chB)

	for i := 0; i < 4; i++ {
		submit(t, r, "sA", op.Operation{Kind: op.Insert, Position: i, Content: "x", SourceVersion: int64(i + 1)})
		recv(t, chA)
		recv(t, chB)
	}

	// Bob claims a base far behind the current version 5.
	submit(t, r, "sB", op.Operation{Kind: op.Insert, Position: 0, Content: "y", SourceVersion: 1})
	msg := recv(t, chB)
	sync, ok := msg.(wire.SyncResponse)
	if !ok {
		t.Fatalf("got %T, want sync_response", msg)
	}
	if sync.Version != 5 {
		t.Fatalf("sync version = %d, want 5", sync.Version)
	}

	state, err := r.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Version != 5 || state.Text != "xxxx" {
		t.Fatalf("dropped operation still changed state: %+v", state)
	}
}

// A client typing faster than echoes return stamps every operation in the
// batch with the same stale sourceVersion. Divergence is measured from the
// sender's last accepted version too, so the whole batch applies without a
// spurious resync.
func TestSequentialBatchFromOneSessionApplies(t *testing.T) {
	d := doc.New("d1", "Notes", "")
	r := startReconciler(t, d, nil)
	ch := join(t, r, "s1", "u1")
	recv(t, ch)

	for i := 0; i < 3; i++ {
		submit(t, r, "s1", op.Operation{Kind: op.Insert, Position: i, Content: "x", SourceVersion: 1})
	}
	for i := 0; i < 3; i++ {
		msg := recv(t, ch)
		change, ok := msg.(wire.DocumentChange)
		if !ok {
			t.Fatalf("batch op %d: got %T, want document_change", i, msg)
		}
		if change.NewVersion != int64(i+2) {
			t.Fatalf("batch op %d: version = %d, want %d", i, change.NewVersion, i+2)
		}
	}

	state, err := r.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Text != "xxx" || state.Version != 4 {
		t.Fatalf("state = %+v", state)
	}
}

func TestSyncRequestReturnsAdoptableSnapshot(t *testing.T) {
	d := doc.New("d1", "Notes", "shared text")
	r := startReconciler(t, d, nil)
	ch := join(t, r, "s1", "u1")
	recv(t, ch)

	data, err := wire.Encode(wire.SyncRequest{Type: wire.TypeSyncRequest, Version: 0})
	if err != nil {
		t.Fatal(err)
	}
	r.Deliver("s1", data)

	msg := recv(t, ch)
	sync, ok := msg.(wire.SyncResponse)
	if !ok {
		t.Fatalf("got %T, want sync_response", msg)
	}
	replica := doc.New("d1", "Notes", "")
	if err := replica.LoadSnapshot(sync.Content, sync.Version); err != nil {
		t.Fatal(err)
	}
	if replica.Text() != "shared text" || replica.Version != 1 {
		t.Fatalf("replica = %q v%d", replica.Text(), replica.Version)
	}
}

func TestOutOfRangeOperationDropped(t *testing.T) {
	d := doc.New("d1", "Notes", "abc")
	r := startReconciler(t, d, nil)
	ch := join(t, r, "s1", "u1")
	recv(t, ch)

	submit(t, r, "s1", op.Operation{Kind: op.Delete, Position: 2, Length: 10, SourceVersion: 1})
	submit(t, r, "s1", op.Operation{Kind: op.Insert, Position: 3, Content: "!", SourceVersion: 1})

	// Only the valid operation is broadcast, and it gets version 2: the
	// rejected one never consumed a version number.
	msg, ok := recv(t, ch).(wire.DocumentChange)
	if !ok || msg.NewVersion != 2 || msg.Change.Content != "!" {
		t.Fatalf("got %+v", msg)
	}
	state, err := r.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Text != "abc!" {
		t.Fatalf("text = %q", state.Text)
	}
}

func TestRestoreReplaysHistory(t *testing.T) {
	ctx := context.Background()
	hist := history.NewMemoryStore()
	if err := hist.Append(ctx, "d1", history.Version{
		Version: 1,
		Ops:     []op.Operation{{Kind: op.Insert, Position: 0, Content: "hello world"}},
	}); err != nil {
		t.Fatal(err)
	}
	d := doc.New("d1", "Notes", "hello world")
	r := startReconciler(t, d, hist)
	ch := join(t, r, "s1", "u1")
	recv(t, ch)

	submit(t, r, "s1", op.Operation{Kind: op.Delete, Position: 0, Length: 6, SourceVersion: 1})
	recv(t, ch)
	submit(t, r, "s1", op.Operation{Kind: op.Insert, Position: 5, Content: "!", SourceVersion: 2})
	recv(t, ch)

	if err := r.Restore(ctx, 1, "u1", "u1"); err != nil {
		t.Fatal(err)
	}
	msg, ok := recv(t, ch).(wire.DocumentChange)
	if !ok {
		t.Fatalf("got %T, want document_change", msg)
	}
	if msg.NewVersion != 4 {
		t.Fatalf("restore version = %d, want 4", msg.NewVersion)
	}
	// The restore travels as one splice replacing the whole content.
	if msg.Change.Kind != op.Insert || msg.Change.Position != 0 ||
		msg.Change.Length != 6 || msg.Change.Content != "hello world" {
		t.Fatalf("restore op = %+v", msg.Change)
	}

	state, err := r.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Text != "hello world" || state.Version != 4 {
		t.Fatalf("state = %+v", state)
	}

	// Forward-only: the log gained a version rather than losing any.
	log, err := hist.List(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 4 {
		t.Fatalf("history has %d versions, want 4", len(log))
	}
}

func TestRestoreUnknownVersion(t *testing.T) {
	d := doc.New("d1", "Notes", "abc")
	r := startReconciler(t, d, nil)
	ch := join(t, r, "s1", "u1")
	recv(t, ch)

	err := r.Restore(context.Background(), 42, "u1", "u1")
	var nf *RestoreTargetNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("got %v, want RestoreTargetNotFoundError", err)
	}
	state, stateErr := r.State(context.Background())
	if stateErr != nil {
		t.Fatal(stateErr)
	}
	if state.Version != 1 || state.Text != "abc" {
		t.Fatalf("failed restore changed state: %+v", state)
	}
}

func TestCursorRelayedToOthersOnly(t *testing.T) {
	d := doc.New("d1", "Notes", "hello")
	r := startReconciler(t, d, nil)
	chA := join(t, r, "sA", "alice")
	chB := join(t, r, "sB", "bob")
	recv(t, chA)
	recv(t, chB)

	data, err := wire.Encode(wire.CursorUpdate{Type: wire.TypeCursorUpdate, Position: 3})
	if err != nil {
		t.Fatal(err)
	}
	r.Deliver("sA", data)

	pos, ok := recv(t, chB).(wire.CursorPosition)
	if !ok || pos.UserID != "alice" || pos.Position != 3 {
		t.Fatalf("got %+v", pos)
	}

	// Alice gets no echo: the next message she sees is a real change.
	submit(t, r, "sB", op.Operation{Kind: op.Insert, Position: 5, Content: "!", SourceVersion: 1})
	if msg, ok := recv(t, chA).(wire.DocumentChange); !ok {
		t.Fatalf("got %T, want document_change", msg)
	}
}

func TestLeaveAnnouncesOnce(t *testing.T) {
	d := doc.New("d1", "Notes", "")
	r := startReconciler(t, d, nil)
	chA := join(t, r, "sA", "alice")
	chB := join(t, r, "sB", "bob")
	recv(t, chA)
	recv(t, chB)

	r.Leave("sB")
	r.Leave("sB")

	gone, ok := recv(t, chA).(wire.UserDisconnected)
	if !ok || gone.UserID != "bob" {
		t.Fatalf("got %+v", gone)
	}

	// A second disconnect announcement would arrive before this change.
	submit(t, r, "sA", op.Operation{Kind: op.Insert, Position: 0, Content: "x", SourceVersion: 1})
	if msg, ok := recv(t, chA).(wire.DocumentChange); !ok {
		t.Fatalf("got %T, want document_change", msg)
	}

	state, err := r.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Users) != 1 || state.Users[0].UserID != "alice" {
		t.Fatalf("users = %+v", state.Users)
	}
}

func TestMalformedMessageIgnored(t *testing.T) {
	d := doc.New("d1", "Notes", "abc")
	r := startReconciler(t, d, nil)
	ch := join(t, r, "s1", "u1")
	recv(t, ch)

	r.Deliver("s1", []byte(`{broken`))
	r.Deliver("s1", []byte(`{"type":"no_such_thing"}`))

	submit(t, r, "s1", op.Operation{Kind: op.Insert, Position: 3, Content: "d", SourceVersion: 1})
	msg, ok := recv(t, ch).(wire.DocumentChange)
	if !ok || msg.NewVersion != 2 {
		t.Fatalf("got %+v", msg)
	}
}
