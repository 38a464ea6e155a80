package store

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and by page hosts
// that share a process with the daemon.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	closed   bool
	watchers watchers
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns the values present for keys; missing keys are omitted
func (s *MemoryStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = bytes.Clone(v)
		}
	}
	return out, nil
}

// Set writes values atomically. A nil value deletes the key.
func (s *MemoryStore) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var changes []Change
	for k, v := range values {
		old, had := s.data[k]
		if had && bytes.Equal(old, v) {
			continue
		}
		if v == nil {
			if !had {
				continue
			}
			delete(s.data, k)
		} else {
			s.data[k] = bytes.Clone(v)
		}
		changes = append(changes, Change{Key: k, OldValue: old, NewValue: bytes.Clone(v)})
	}
	s.mu.Unlock()

	s.watchers.emit(changes)
	return nil
}

// Watch registers fn for every committed change
func (s *MemoryStore) Watch(fn func(Change)) func() {
	return s.watchers.add(fn)
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
