package main

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// snapshotCache keeps the last known server snapshot per document on disk,
// so the agent can serve reads while the server is unreachable.
type snapshotCache struct {
	db *bolt.DB
}

type cachedSnapshot struct {
	Content json.RawMessage `json:"content"`
	Version int64           `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
}

func openCache(path string) (*snapshotCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &snapshotCache{db: db}, nil
}

func (c *snapshotCache) close() error { return c.db.Close() }

func (c *snapshotCache) put(documentID string, content []byte, version int64) error {
	data, err := json.Marshal(cachedSnapshot{
		Content: content,
		Version: version,
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode cached snapshot: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(documentID), data)
	})
	if err != nil {
		return fmt.Errorf("cache snapshot for %s: %w", documentID, err)
	}
	return nil
}

func (c *snapshotCache) get(documentID string) (cachedSnapshot, bool, error) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(snapshotBucket).Get([]byte(documentID)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return cachedSnapshot{}, false, fmt.Errorf("read cache for %s: %w", documentID, err)
	}
	if raw == nil {
		return cachedSnapshot{}, false, nil
	}
	var s cachedSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return cachedSnapshot{}, false, fmt.Errorf("decode cached snapshot for %s: %w", documentID, err)
	}
	return s, true, nil
}
