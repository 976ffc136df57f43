package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cowrite/pkg/presence"
	"cowrite/pkg/wire"
)

// SnapshotLoader fetches the current persisted snapshot of a document.
type SnapshotLoader func(ctx context.Context) (content []byte, version int64, err error)

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	Loader          SnapshotLoader // required
	Relay           Relay          // required
	Logger          *slog.Logger   // optional
	PresenceTimeout time.Duration  // 0 selects presence.DefaultTimeout
}

// Follower serves sessions for a document whose version authority lives on
// another instance. It is delivery-only: relayed broadcasts fan out to
// local sessions verbatim, baselines come from the shared store, and a
// submitted operation or restore is refused with a fresh snapshot instead
// of being applied. Cursor traffic flows both ways, since it carries no
// version authority.
type Follower struct {
	docID    string
	loader   SnapshotLoader
	relay    Relay
	log      *slog.Logger
	tracker  *presence.Tracker
	sessions map[string]*session
	commands chan command
	done     chan struct{}
}

// NewFollower builds a follower for a document owned elsewhere. The caller
// must run it before using it.
func NewFollower(documentID string, opts FollowerOptions) *Follower {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f := &Follower{
		docID:    documentID,
		loader:   opts.Loader,
		relay:    opts.Relay,
		log:      opts.Logger.With("document", documentID, "role", "follower"),
		sessions: make(map[string]*session),
		commands: make(chan command),
		done:     make(chan struct{}),
	}
	f.tracker = presence.NewTracker(opts.PresenceTimeout, f.onEvict)
	return f
}

func (f *Follower) onEvict(sessionID string, _ presence.Collaborator) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return
	}
	delete(f.sessions, sessionID)
	close(s.send)
	f.fanout(sessionID, wire.UserDisconnected{Type: wire.TypeUserDisconnected, UserID: s.info.UserID})
	f.log.Info("session left", "session", sessionID, "user", s.info.UserID)
}

// Join registers a verified session and returns its update stream. The
// first message on the stream is the document_state baseline, loaded fresh
// from the shared store.
func (f *Follower) Join(ctx context.Context, info SessionInfo) (<-chan []byte, error) {
	reply := make(chan joinReply, 1)
	select {
	case f.commands <- command{join: &joinCmd{info: info, reply: reply}}:
	case <-f.done:
		return nil, errors.New("document closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-reply
	return res.updates, res.err
}

// Leave removes a session. Safe to call for sessions already evicted or
// after the follower has stopped.
func (f *Follower) Leave(sessionID string) {
	select {
	case f.commands <- command{leave: &leaveCmd{sessionID: sessionID}}:
	case <-f.done:
	}
}

// Deliver hands a raw client envelope to the follower.
func (f *Follower) Deliver(sessionID string, data []byte) {
	select {
	case f.commands <- command{deliver: &deliverCmd{sessionID: sessionID, data: data}}:
	case <-f.done:
	}
}

// Run serves the document's local sessions until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) {
	defer close(f.done)
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	relayed, err := f.relay.Subscribe(ctx, f.docID)
	if err != nil {
		f.log.Error("relay subscribe failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			for id, s := range f.sessions {
				delete(f.sessions, id)
				close(s.send)
			}
			return
		case now := <-sweep.C:
			f.tracker.SweepOnce(now)
		case payload, ok := <-relayed:
			if !ok {
				relayed = nil
				continue
			}
			for id, s := range f.sessions {
				f.push(id, s, payload)
			}
		case cmd := <-f.commands:
			f.handle(ctx, cmd)
		}
	}
}

func (f *Follower) handle(ctx context.Context, cmd command) {
	switch {
	case cmd.join != nil:
		cmd.join.reply <- f.handleJoin(ctx, cmd.join.info)
	case cmd.leave != nil:
		f.tracker.Remove(cmd.leave.sessionID)
	case cmd.deliver != nil:
		f.handleMessage(ctx, cmd.deliver.sessionID, cmd.deliver.data)
	}
}

func (f *Follower) handleJoin(ctx context.Context, info SessionInfo) joinReply {
	if _, ok := f.sessions[info.SessionID]; ok {
		return joinReply{err: fmt.Errorf("session %s already joined", info.SessionID)}
	}
	content, version, err := f.loader(ctx)
	if err != nil {
		return joinReply{err: fmt.Errorf("load baseline: %w", err)}
	}
	s := &session{info: info, send: make(chan []byte, sendBuffer)}
	f.sessions[info.SessionID] = s
	f.tracker.Join(info.SessionID, presence.Collaborator{
		UserID:      info.UserID,
		DisplayName: info.DisplayName,
		Color:       info.Color,
	})
	f.sendTo(s, wire.DocumentState{
		Type:        wire.TypeDocumentState,
		Content:     content,
		Version:     version,
		ActiveUsers: f.tracker.List(),
	})
	f.log.Info("session joined", "session", info.SessionID, "user", info.UserID, "version", version)
	return joinReply{updates: s.send}
}

func (f *Follower) handleMessage(ctx context.Context, sessionID string, data []byte) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		f.log.Warn("dropping malformed message", "session", sessionID, "err", err)
		return
	}

	switch m := msg.(type) {
	case wire.Operation:
		// Applying would fork the version stream away from the owner.
		f.tracker.Touch(sessionID)
		f.log.Warn("refusing edit, document owned elsewhere", "session", sessionID)
		f.sendSync(ctx, s)
	case wire.RestoreVersion:
		f.log.Warn("refusing restore, document owned elsewhere", "session", sessionID, "target", m.Version)
		f.sendSync(ctx, s)
	case wire.CursorUpdate:
		f.tracker.UpdateCursor(sessionID, m.Position)
		pos := wire.CursorPosition{
			Type:     wire.TypeCursorPosition,
			UserID:   s.info.UserID,
			Position: m.Position,
			UserName: s.info.DisplayName,
			Color:    s.info.Color,
		}
		f.fanout(sessionID, pos)
		if data, err := wire.Encode(pos); err == nil {
			if err := f.relay.Publish(ctx, f.docID, data); err != nil {
				f.log.Error("relay publish failed", "err", err)
			}
		}
	case wire.SyncRequest:
		f.tracker.Touch(sessionID)
		f.sendSync(ctx, s)
	default:
		f.log.Warn("dropping unhandled message", "session", sessionID)
	}
}

func (f *Follower) sendSync(ctx context.Context, s *session) {
	content, version, err := f.loader(ctx)
	if err != nil {
		f.log.Error("load snapshot failed", "err", err)
		return
	}
	f.sendTo(s, wire.SyncResponse{Type: wire.TypeSyncResponse, Content: content, Version: version})
}

// fanout delivers msg to every local session except the one named.
func (f *Follower) fanout(exceptID string, msg any) {
	data, err := wire.Encode(msg)
	if err != nil {
		f.log.Error("encode failed", "err", err)
		return
	}
	for id, s := range f.sessions {
		if id != exceptID {
			f.push(id, s, data)
		}
	}
}

func (f *Follower) sendTo(s *session, msg any) {
	data, err := wire.Encode(msg)
	if err != nil {
		f.log.Error("encode failed", "err", err)
		return
	}
	f.push(s.info.SessionID, s, data)
}

func (f *Follower) push(sessionID string, s *session, data []byte) {
	select {
	case s.send <- data:
	default:
		f.log.Warn("dropping stalled session", "session", sessionID)
		f.tracker.Remove(sessionID)
	}
}
