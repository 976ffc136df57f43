package main

import (
	"log/slog"
	"sync"

	"cowrite/pkg/diff"
	"cowrite/pkg/doc"
	"cowrite/pkg/op"
	"cowrite/pkg/wire"
)

// replica is the agent's local copy of the document. Local edits are
// applied optimistically and queued until the server echoes them back;
// server broadcasts are applied in version order, and any gap or conflict
// downgrades to a full resync.
type replica struct {
	log *slog.Logger

	mu      sync.Mutex
	doc     *doc.Document
	pending []op.Operation
	synced  bool
}

func newReplica(logger *slog.Logger) *replica {
	return &replica{log: logger, doc: doc.New("", "", "")}
}

func (r *replica) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

func (r *replica) version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Version
}

func (r *replica) snapshot() ([]byte, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := r.doc.Snapshot()
	return raw, r.doc.Version, err
}

// localEdit turns a full-text snapshot from the local UI into operations,
// applies them optimistically, and returns them for upstream submission.
func (r *replica) localEdit(newText string) []op.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := diff.Diff(r.doc.Text(), newText)
	out := make([]op.Operation, 0, len(ops))
	for _, o := range ops {
		o.SourceVersion = r.doc.Version
		if err := r.doc.ApplyOperation(o); err != nil {
			r.log.Warn("optimistic apply failed", "err", err)
			continue
		}
		r.pending = append(r.pending, o)
		out = append(out, o)
	}
	return out
}

// adoptBaseline replaces the replica with a server snapshot, wholesale.
// Unacknowledged optimistic edits are discarded, not retried: recovery
// after divergence always resynchronizes from full state rather than
// replaying a queue, so local work the server never acknowledged is lost.
func (r *replica) adoptBaseline(content []byte, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dropped := len(r.pending); dropped > 0 {
		r.log.Warn("discarding unacknowledged local edits", "count", dropped)
	}
	if err := r.doc.LoadSnapshot(content, version); err != nil {
		r.log.Error("adopt snapshot failed", "err", err)
		return
	}
	r.pending = nil
	r.synced = true
}

// matchesPendingHead reports whether a broadcast is the echo of our own
// oldest unacknowledged operation.
func (r *replica) matchesPendingHead(o op.Operation) bool {
	if len(r.pending) == 0 {
		return false
	}
	p := r.pending[0]
	return p.Kind == o.Kind && p.Position == o.Position &&
		p.Content == o.Content && p.Length == o.Length
}

// handleChange applies a server broadcast. It reports whether the replica
// has fallen out of step and needs a full resync.
func (r *replica) handleChange(m wire.DocumentChange) (resync bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.synced {
		return true
	}
	if m.NewVersion != r.doc.Version+1 {
		r.log.Info("version gap", "have", r.doc.Version, "got", m.NewVersion)
		r.synced = false
		return true
	}
	if r.matchesPendingHead(m.Change) {
		// Our own edit coming back: already applied optimistically.
		r.pending = r.pending[1:]
		r.doc.Version = m.NewVersion
		return false
	}
	if err := r.doc.ApplyOperation(m.Change); err != nil {
		r.log.Warn("apply broadcast failed", "version", m.NewVersion, "err", err)
		r.synced = false
		return true
	}
	r.doc.Version = m.NewVersion
	return false
}
