// Package hub implements the version reconciler: the single writer that
// owns a document's authoritative copy, applies incoming operations in
// arrival order, stamps versions, and broadcasts the results.
//
// One goroutine per document consumes a command channel; every mutation of
// the document and every version assignment happens on that goroutine, so
// all sessions observe document_change messages in exactly the order
// versions were assigned. Cross-document traffic never contends.
//
// The reconciler deliberately performs no operational transform: a
// concurrent operation is applied against whatever the content looks like
// when it arrives, positions unshifted. The authoritative copy stays
// consistent and convergent, but intention preservation under true
// concurrency is out of scope.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cowrite/pkg/doc"
	"cowrite/pkg/history"
	"cowrite/pkg/op"
	"cowrite/pkg/presence"
	"cowrite/pkg/wire"
)

// sendBuffer is the per-session outbound queue depth. A session that falls
// this far behind is dropped rather than allowed to stall the loop.
const sendBuffer = 256

// SessionInfo is the verified identity a session joins with. The auth
// layer fills it in before the reconciler ever sees the session.
type SessionInfo struct {
	SessionID   string
	UserID      string
	DisplayName string
	Color       string
}

// SnapshotSaver persists the authoritative snapshot after accepted edits.
type SnapshotSaver interface {
	SaveDocument(ctx context.Context, id string, content []byte, version int64) error
}

// Relay fans broadcast envelopes out to other server instances carrying
// sessions for the same document. Delivery-only: version authority stays
// with the instance that owns the document.
type Relay interface {
	Publish(ctx context.Context, documentID string, payload []byte) error
	Subscribe(ctx context.Context, documentID string) (<-chan []byte, error)
}

// RestoreTargetNotFoundError reports a restore_version aimed at a version
// that does not exist. No state changes.
type RestoreTargetNotFoundError struct {
	DocumentID string
	Version    int64
}

func (e *RestoreTargetNotFoundError) Error() string {
	return fmt.Sprintf("document %s has no version %d to restore", e.DocumentID, e.Version)
}

// Options configures a Reconciler.
type Options struct {
	History         history.Store // required
	Saver           SnapshotSaver // optional
	Relay           Relay         // optional
	Logger          *slog.Logger  // optional
	PresenceTimeout time.Duration // 0 selects presence.DefaultTimeout
	// DivergenceWindow is how many versions a submitted operation's
	// sourceVersion may trail the authoritative counter before the sender
	// is resynced instead. Zero selects 1, the single in-flight operation.
	DivergenceWindow int64
}

type session struct {
	info SessionInfo
	send chan []byte
	// lastAssigned is the version stamped on this session's most recent
	// accepted operation. A batch submitted before any echo returns carries
	// a stale sourceVersion on every operation after the first; measuring
	// divergence from whichever is newer keeps the sender's own sequential
	// edits inside the window.
	lastAssigned int64
}

type joinCmd struct {
	info  SessionInfo
	reply chan joinReply
}

type joinReply struct {
	updates <-chan []byte
	err     error
}

type leaveCmd struct{ sessionID string }

type deliverCmd struct {
	sessionID string
	data      []byte
}

type restoreCmd struct {
	version    int64
	authorID   string
	authorName string
	reply      chan error
}

type stateCmd struct {
	reply chan StateView
}

type command struct {
	join    *joinCmd
	leave   *leaveCmd
	deliver *deliverCmd
	restore *restoreCmd
	state   *stateCmd
	relayed []byte
}

// StateView is a read-only snapshot of the reconciler's state.
type StateView struct {
	Text    string
	Version int64
	Users   []presence.Collaborator
}

// Reconciler serializes all edits to one document.
type Reconciler struct {
	doc      *doc.Document
	hist     history.Store
	saver    SnapshotSaver
	relay    Relay
	log      *slog.Logger
	window   int64
	tracker  *presence.Tracker
	sessions map[string]*session
	commands chan command
	done     chan struct{}
}

// New builds a reconciler around the given authoritative document. The
// caller must run it before using it.
func New(d *doc.Document, opts Options) *Reconciler {
	if opts.History == nil {
		opts.History = history.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	window := opts.DivergenceWindow
	if window <= 0 {
		window = 1
	}
	r := &Reconciler{
		doc:      d,
		hist:     opts.History,
		saver:    opts.Saver,
		relay:    opts.Relay,
		log:      opts.Logger.With("document", d.ID),
		window:   window,
		sessions: make(map[string]*session),
		commands: make(chan command),
		done:     make(chan struct{}),
	}
	r.tracker = presence.NewTracker(opts.PresenceTimeout, r.onEvict)
	return r
}

// onEvict runs on the reconciler goroutine (both explicit leaves and the
// sweep happen there), so broadcasting directly is safe.
func (r *Reconciler) onEvict(sessionID string, _ presence.Collaborator) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	close(s.send)
	r.broadcast(wire.UserDisconnected{Type: wire.TypeUserDisconnected, UserID: s.info.UserID})
	r.log.Info("session left", "session", sessionID, "user", s.info.UserID)
}

// Join registers a verified session and returns its update stream. The
// first message on the stream is the document_state baseline.
func (r *Reconciler) Join(ctx context.Context, info SessionInfo) (<-chan []byte, error) {
	reply := make(chan joinReply, 1)
	select {
	case r.commands <- command{join: &joinCmd{info: info, reply: reply}}:
	case <-r.done:
		return nil, errors.New("document closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-reply
	return res.updates, res.err
}

// Leave removes a session. Safe to call for sessions already evicted or
// after the reconciler has stopped.
func (r *Reconciler) Leave(sessionID string) {
	select {
	case r.commands <- command{leave: &leaveCmd{sessionID: sessionID}}:
	case <-r.done:
	}
}

// Deliver hands a raw client envelope to the reconciler. Malformed
// messages are logged and dropped without affecting other sessions.
func (r *Reconciler) Deliver(sessionID string, data []byte) {
	select {
	case r.commands <- command{deliver: &deliverCmd{sessionID: sessionID, data: data}}:
	case <-r.done:
	}
}

// Restore rolls the content forward to a copy of an earlier version,
// recorded and broadcast like any other change. Returns
// *RestoreTargetNotFoundError when the version does not exist.
func (r *Reconciler) Restore(ctx context.Context, version int64, authorID, authorName string) error {
	reply := make(chan error, 1)
	select {
	case r.commands <- command{restore: &restoreCmd{version: version, authorID: authorID, authorName: authorName, reply: reply}}:
	case <-r.done:
		return errors.New("document closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a consistent view of the current text, version, and
// active users.
func (r *Reconciler) State(ctx context.Context) (StateView, error) {
	reply := make(chan StateView, 1)
	select {
	case r.commands <- command{state: &stateCmd{reply: reply}}:
	case <-r.done:
		return StateView{}, errors.New("document closed")
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	}
}

// Run owns the document until ctx is cancelled. All mutation happens here.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	var relayed <-chan []byte
	if r.relay != nil {
		ch, err := r.relay.Subscribe(ctx, r.doc.ID)
		if err != nil {
			r.log.Error("relay subscribe failed", "err", err)
		} else {
			relayed = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			for id, s := range r.sessions {
				delete(r.sessions, id)
				close(s.send)
			}
			return
		case now := <-sweep.C:
			r.tracker.SweepOnce(now)
		case payload, ok := <-relayed:
			if !ok {
				relayed = nil
				continue
			}
			r.deliverRaw(payload)
		case cmd := <-r.commands:
			r.handle(ctx, cmd)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, cmd command) {
	switch {
	case cmd.join != nil:
		cmd.join.reply <- r.handleJoin(cmd.join.info)
	case cmd.leave != nil:
		r.tracker.Remove(cmd.leave.sessionID)
	case cmd.deliver != nil:
		r.handleMessage(ctx, cmd.deliver.sessionID, cmd.deliver.data)
	case cmd.restore != nil:
		cmd.restore.reply <- r.handleRestore(ctx, cmd.restore)
	case cmd.state != nil:
		cmd.state.reply <- StateView{Text: r.doc.Text(), Version: r.doc.Version, Users: r.tracker.List()}
	case cmd.relayed != nil:
		r.deliverRaw(cmd.relayed)
	}
}

func (r *Reconciler) handleJoin(info SessionInfo) joinReply {
	if _, ok := r.sessions[info.SessionID]; ok {
		return joinReply{err: fmt.Errorf("session %s already joined", info.SessionID)}
	}
	s := &session{info: info, send: make(chan []byte, sendBuffer)}
	r.sessions[info.SessionID] = s
	r.tracker.Join(info.SessionID, presence.Collaborator{
		UserID:      info.UserID,
		DisplayName: info.DisplayName,
		Color:       info.Color,
	})

	snapshot, err := r.doc.Snapshot()
	if err != nil {
		delete(r.sessions, info.SessionID)
		r.tracker.Remove(info.SessionID)
		return joinReply{err: err}
	}
	r.sendTo(s, wire.DocumentState{
		Type:        wire.TypeDocumentState,
		Content:     snapshot,
		Version:     r.doc.Version,
		ActiveUsers: r.tracker.List(),
	})
	r.log.Info("session joined", "session", info.SessionID, "user", info.UserID, "version", r.doc.Version)
	return joinReply{updates: s.send}
}

func (r *Reconciler) handleMessage(ctx context.Context, sessionID string, data []byte) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		var mal *wire.MalformedMessageError
		if errors.As(err, &mal) {
			r.log.Warn("dropping malformed message", "session", sessionID, "err", err)
			return
		}
		r.log.Error("decode failed", "session", sessionID, "err", err)
		return
	}

	switch m := msg.(type) {
	case wire.Operation:
		r.handleOperation(ctx, s, m.Change)
	case wire.CursorUpdate:
		r.tracker.UpdateCursor(sessionID, m.Position)
		r.broadcastExcept(sessionID, wire.CursorPosition{
			Type:     wire.TypeCursorPosition,
			UserID:   s.info.UserID,
			Position: m.Position,
			UserName: s.info.DisplayName,
			Color:    s.info.Color,
		})
	case wire.SyncRequest:
		r.tracker.Touch(sessionID)
		r.log.Info("resync requested", "session", sessionID, "clientVersion", m.Version, "version", r.doc.Version)
		r.sendSync(s)
	case wire.RestoreVersion:
		if err := r.handleRestore(ctx, &restoreCmd{
			version:    m.Version,
			authorID:   s.info.UserID,
			authorName: s.info.DisplayName,
		}); err != nil {
			// Reported to the requesting session only; no state change.
			r.log.Warn("restore refused", "session", sessionID, "target", m.Version, "err", err)
			r.sendSync(s)
		}
	case wire.DocumentState, wire.DocumentChange, wire.CursorPosition, wire.UserDisconnected, wire.SyncResponse:
		// Server-to-client messages have no business arriving here.
		r.log.Warn("dropping server-only message from client", "session", sessionID)
	default:
		r.log.Warn("dropping unhandled message", "session", sessionID)
	}
}

// handleOperation applies a submitted edit in arrival order. The operation
// is applied against the current content even when its sourceVersion is
// one step behind (the in-flight window); positions are not rebased.
// Anything further behind means the client has diverged: the operation is
// dropped and the sender alone gets a full snapshot to adopt.
func (r *Reconciler) handleOperation(ctx context.Context, s *session, change op.Operation) {
	r.tracker.Touch(s.info.SessionID)

	base := change.SourceVersion
	if s.lastAssigned > base {
		base = s.lastAssigned
	}
	if r.doc.Version-base > r.window {
		r.log.Info("diverged client, resyncing",
			"session", s.info.SessionID, "sourceVersion", change.SourceVersion, "version", r.doc.Version)
		r.sendSync(s)
		return
	}
	if err := r.apply(ctx, change, s.info.UserID, s.info.DisplayName); err != nil {
		var oor *op.OutOfRangeError
		if errors.As(err, &oor) {
			r.log.Warn("dropping out-of-range operation", "session", s.info.SessionID, "err", err)
			return
		}
		r.log.Error("apply failed", "session", s.info.SessionID, "err", err)
		return
	}
	s.lastAssigned = r.doc.Version
	r.broadcast(wire.DocumentChange{
		Type:       wire.TypeDocumentChange,
		Change:     change,
		UserID:     s.info.UserID,
		NewVersion: r.doc.Version,
	})
}

// apply mutates the document, advances the version, and records history.
// The version advances only after the operation succeeded.
func (r *Reconciler) apply(ctx context.Context, change op.Operation, authorID, authorName string) error {
	if err := r.doc.ApplyOperation(change); err != nil {
		return err
	}
	r.doc.Version++
	v := history.Version{
		Version:    r.doc.Version,
		Timestamp:  time.Now().UTC(),
		AuthorID:   authorID,
		AuthorName: authorName,
		Ops:        []op.Operation{change},
	}
	if err := r.hist.Append(ctx, r.doc.ID, v); err != nil {
		r.log.Error("history append failed", "version", v.Version, "err", err)
	}
	if r.saver != nil {
		if snapshot, err := r.doc.Snapshot(); err != nil {
			r.log.Error("snapshot failed", "err", err)
		} else if err := r.saver.SaveDocument(ctx, r.doc.ID, snapshot, r.doc.Version); err != nil {
			r.log.Error("snapshot save failed", "version", r.doc.Version, "err", err)
		}
	}
	return nil
}

// handleRestore replays history through the target version and applies the
// result as one splice operation. Restore is forward-only: it appends a
// new version and never rewrites the log.
func (r *Reconciler) handleRestore(ctx context.Context, cmd *restoreCmd) error {
	versions, err := r.hist.List(ctx, r.doc.ID)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	found := false
	replica := doc.New(r.doc.ID, r.doc.Title, "")
	for _, v := range versions {
		if v.Version > cmd.version {
			break
		}
		for _, o := range v.Ops {
			if err := replica.ApplyOperation(o); err != nil {
				return fmt.Errorf("replay version %d: %w", v.Version, err)
			}
		}
		if v.Version == cmd.version {
			found = true
		}
	}
	if !found {
		return &RestoreTargetNotFoundError{DocumentID: r.doc.ID, Version: cmd.version}
	}

	reset := op.Operation{
		Kind:          op.Insert,
		Position:      0,
		Length:        r.doc.Len(),
		Content:       replica.Text(),
		SourceVersion: r.doc.Version,
	}
	if err := r.apply(ctx, reset, cmd.authorID, cmd.authorName); err != nil {
		return fmt.Errorf("apply restore: %w", err)
	}
	r.broadcast(wire.DocumentChange{
		Type:       wire.TypeDocumentChange,
		Change:     reset,
		UserID:     cmd.authorID,
		NewVersion: r.doc.Version,
	})
	r.log.Info("restored", "target", cmd.version, "version", r.doc.Version)
	return nil
}

func (r *Reconciler) sendSync(s *session) {
	snapshot, err := r.doc.Snapshot()
	if err != nil {
		r.log.Error("snapshot failed", "err", err)
		return
	}
	r.sendTo(s, wire.SyncResponse{Type: wire.TypeSyncResponse, Content: snapshot, Version: r.doc.Version})
}

// broadcast delivers msg to every session in version order and hands it to
// the relay for other instances.
func (r *Reconciler) broadcast(msg any) {
	data, err := wire.Encode(msg)
	if err != nil {
		r.log.Error("encode broadcast failed", "err", err)
		return
	}
	for id, s := range r.sessions {
		r.push(id, s, data)
	}
	if r.relay != nil {
		if err := r.relay.Publish(context.Background(), r.doc.ID, data); err != nil {
			r.log.Error("relay publish failed", "err", err)
		}
	}
}

func (r *Reconciler) broadcastExcept(sessionID string, msg any) {
	data, err := wire.Encode(msg)
	if err != nil {
		r.log.Error("encode broadcast failed", "err", err)
		return
	}
	for id, s := range r.sessions {
		if id != sessionID {
			r.push(id, s, data)
		}
	}
	if r.relay != nil {
		if err := r.relay.Publish(context.Background(), r.doc.ID, data); err != nil {
			r.log.Error("relay publish failed", "err", err)
		}
	}
}

// deliverRaw forwards an envelope from another instance to local sessions.
func (r *Reconciler) deliverRaw(payload []byte) {
	for id, s := range r.sessions {
		r.push(id, s, payload)
	}
}

func (r *Reconciler) sendTo(s *session, msg any) {
	data, err := wire.Encode(msg)
	if err != nil {
		r.log.Error("encode failed", "err", err)
		return
	}
	r.push(s.info.SessionID, s, data)
}

// push enqueues without blocking. A session whose buffer is full is
// dropped so one stalled connection cannot hold up the document.
func (r *Reconciler) push(sessionID string, s *session, data []byte) {
	select {
	case s.send <- data:
	default:
		r.log.Warn("dropping stalled session", "session", sessionID)
		r.tracker.Remove(sessionID)
	}
}
