package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var settingsBucket = []byte("settings")

// BoltStore persists settings in a bbolt database file
type BoltStore struct {
	db       *bolt.DB
	watchers watchers
}

// OpenBolt opens (or creates) the database at path
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get returns the values present for keys; missing keys are omitted
func (s *BoltStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		for _, k := range keys {
			if v := b.Get([]byte(k)); v != nil {
				// bbolt values are only valid inside the transaction
				out[k] = bytes.Clone(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return out, nil
}

// Set writes all values in one transaction. A nil value deletes the key.
func (s *BoltStore) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var changes []Change
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		changes = changes[:0]
		for k, v := range values {
			old := bytes.Clone(b.Get([]byte(k)))
			if bytes.Equal(old, v) && (old == nil) == (v == nil) {
				continue
			}
			if v == nil {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
			} else if err := b.Put([]byte(k), v); err != nil {
				return err
			}
			changes = append(changes, Change{Key: k, OldValue: old, NewValue: bytes.Clone(v)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	s.watchers.emit(changes)
	return nil
}

// Watch registers fn for every committed change
func (s *BoltStore) Watch(fn func(Change)) func() {
	return s.watchers.add(fn)
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
