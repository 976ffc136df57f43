// Package store persists document snapshots and metadata. The reconciler
// writes through it after accepted edits; the HTTP surface reads from it
// when opening documents. The version log lives in package history, though
// the Postgres implementation here backs both.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Record is a persisted document snapshot plus metadata.
type Record struct {
	ID        string
	Title     string
	Content   []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotFoundError reports a document id with no persisted record.
type NotFoundError struct {
	DocumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.DocumentID)
}

// Persistence stores document snapshots.
type Persistence interface {
	// CreateDocument records a brand-new document. Fails if the id exists.
	CreateDocument(ctx context.Context, r Record) error
	// LoadDocument returns the latest snapshot, or *NotFoundError.
	LoadDocument(ctx context.Context, id string) (Record, error)
	// SaveDocument overwrites the snapshot and version for an existing
	// document.
	SaveDocument(ctx context.Context, id string, content []byte, version int64) error
	// ListDocuments returns metadata for every document, newest first.
	// Content is not populated.
	ListDocuments(ctx context.Context) ([]Record, error)
}

// Memory is the in-process Persistence used by tests and standalone
// servers.
type Memory struct {
	mu   sync.Mutex
	docs map[string]Record
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Record)}
}

// CreateDocument implements Persistence.
func (m *Memory) CreateDocument(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[r.ID]; ok {
		return fmt.Errorf("document %s already exists", r.ID)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	r.Content = append([]byte(nil), r.Content...)
	m.docs[r.ID] = r
	return nil
}

// LoadDocument implements Persistence.
func (m *Memory) LoadDocument(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.docs[id]
	if !ok {
		return Record{}, &NotFoundError{DocumentID: id}
	}
	r.Content = append([]byte(nil), r.Content...)
	return r, nil
}

// SaveDocument implements Persistence.
func (m *Memory) SaveDocument(_ context.Context, id string, content []byte, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.docs[id]
	if !ok {
		return &NotFoundError{DocumentID: id}
	}
	r.Content = append([]byte(nil), content...)
	r.Version = version
	r.UpdatedAt = time.Now().UTC()
	m.docs[id] = r
	return nil
}

// ListDocuments implements Persistence.
func (m *Memory) ListDocuments(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.docs))
	for _, r := range m.docs {
		r.Content = nil
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
