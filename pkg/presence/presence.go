// Package presence tracks which collaborators are live on a document and
// where their cursors are.
//
// The table is ephemeral: entries exist for the lifetime of a connection
// and are swept out after a period of silence. Nothing here is persisted;
// document data is someone else's job.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a session may stay silent before it is
// considered gone.
const DefaultTimeout = 30 * time.Second

// Collaborator is one live session's public presence record.
type Collaborator struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	CursorPosition int       `json:"cursorPosition"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
}

// Tracker is a session-keyed presence table with timeout eviction. An
// eviction callback fires at most once per session, whether the session
// left explicitly or timed out.
type Tracker struct {
	timeout time.Duration
	onEvict func(sessionID string, c Collaborator)

	mu      sync.Mutex
	entries map[string]*Collaborator
}

// NewTracker builds a tracker. timeout <= 0 selects DefaultTimeout. onEvict
// may be nil; it is called outside the tracker lock.
func NewTracker(timeout time.Duration, onEvict func(sessionID string, c Collaborator)) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		onEvict: onEvict,
		entries: make(map[string]*Collaborator),
	}
}

// Join registers a session.
func (t *Tracker) Join(sessionID string, c Collaborator) {
	c.LastActiveAt = time.Now()
	t.mu.Lock()
	t.entries[sessionID] = &c
	t.mu.Unlock()
}

// Touch refreshes a session's activity clock. Unknown sessions are ignored
// (they may already have been evicted).
func (t *Tracker) Touch(sessionID string) {
	t.mu.Lock()
	if e, ok := t.entries[sessionID]; ok {
		e.LastActiveAt = time.Now()
	}
	t.mu.Unlock()
}

// UpdateCursor moves a session's cursor and refreshes its activity clock.
func (t *Tracker) UpdateCursor(sessionID string, position int) {
	t.mu.Lock()
	if e, ok := t.entries[sessionID]; ok {
		e.CursorPosition = position
		e.LastActiveAt = time.Now()
	}
	t.mu.Unlock()
}

// Remove drops a session and reports whether it was present. The eviction
// callback fires only when the session was still tracked, which keeps
// user_disconnected notifications single-shot even when an explicit
// disconnect races the sweeper.
func (t *Tracker) Remove(sessionID string) bool {
	t.mu.Lock()
	e, ok := t.entries[sessionID]
	if ok {
		delete(t.entries, sessionID)
	}
	t.mu.Unlock()
	if ok && t.onEvict != nil {
		t.onEvict(sessionID, *e)
	}
	return ok
}

// Get returns a session's record.
func (t *Tracker) Get(sessionID string) (Collaborator, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[sessionID]; ok {
		return *e, true
	}
	return Collaborator{}, false
}

// List returns all live collaborators ordered by user id.
func (t *Tracker) List() []Collaborator {
	t.mu.Lock()
	out := make([]Collaborator, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SweepOnce evicts every session silent for longer than the timeout and
// returns how many were evicted.
func (t *Tracker) SweepOnce(now time.Time) int {
	t.mu.Lock()
	var stale []string
	for id, e := range t.entries {
		if now.Sub(e.LastActiveAt) >= t.timeout {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	n := 0
	for _, id := range stale {
		if t.Remove(id) {
			n++
		}
	}
	return n
}

// Sweep runs the eviction loop until ctx is cancelled, checking at the
// given interval.
func (t *Tracker) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.SweepOnce(now)
		}
	}
}
