// Package history keeps the append-only version log of a document: every
// accepted edit produces an immutable Version record carrying the
// operations that took the document from version n-1 to n, plus author
// metadata. Restore and the history-browsing surface both read from here;
// nothing ever rewrites an entry.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cowrite/pkg/op"
)

// Version is one immutable checkpoint in a document's history.
type Version struct {
	Version    int64          `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
	AuthorID   string         `json:"authorId"`
	AuthorName string         `json:"authorName"`
	Ops        []op.Operation `json:"operations"`
}

// Descriptions renders the human-readable per-operation summaries shown in
// the history browser.
func (v Version) Descriptions() []string {
	out := make([]string, len(v.Ops))
	for i, o := range v.Ops {
		out[i] = op.Describe(o)
	}
	return out
}

// NotFoundError reports a version lookup that has no matching record.
type NotFoundError struct {
	DocumentID string
	Version    int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s has no version %d", e.DocumentID, e.Version)
}

// Store is the append-only version log.
type Store interface {
	// Append records a new version. Versions must arrive in increasing
	// order; the store never mutates or reorders what it holds.
	Append(ctx context.Context, documentID string, v Version) error
	// List returns all versions for a document, oldest first.
	List(ctx context.Context, documentID string) ([]Version, error)
	// Get returns one version, or *NotFoundError.
	Get(ctx context.Context, documentID string, version int64) (Version, error)
}

// MemoryStore is the in-process Store used by tests and standalone servers.
type MemoryStore struct {
	mu       sync.Mutex
	versions map[string][]Version
}

// NewMemoryStore builds an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]Version)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, documentID string, v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.versions[documentID]
	if n := len(log); n > 0 && v.Version <= log[n-1].Version {
		return fmt.Errorf("version %d not after %d for document %s", v.Version, log[n-1].Version, documentID)
	}
	s.versions[documentID] = append(log, v)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, documentID string) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.versions[documentID]
	out := make([]Version, len(log))
	copy(out, log)
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, documentID string, version int64) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[documentID] {
		if v.Version == version {
			return v, nil
		}
	}
	return Version{}, &NotFoundError{DocumentID: documentID, Version: version}
}
