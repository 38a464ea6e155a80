package store

import (
	"context"
	"errors"
	"sync"
)

// Persisted keys shared by the background and page contexts
const (
	KeyEnabled         = "enabled"
	KeyConfigURL       = "configUrl"
	KeyPolicy          = "policy"
	KeyPolicyFetchedAt = "policyFetchedAt"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Change describes one key written to the store
type Change struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

// Store is an asynchronous key-value store with change notifications.
// Set writes all given keys in one atomic step; watchers observe the
// changes only after the write is committed.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Watch(fn func(Change)) (cancel func())
	Close() error
}

// watchers fans changes out to subscribers
type watchers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Change)
}

func (w *watchers) add(fn func(Change)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fns == nil {
		w.fns = make(map[int]func(Change))
	}
	id := w.next
	w.next++
	w.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

func (w *watchers) emit(changes []Change) {
	w.mu.RLock()
	fns := make([]func(Change), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}
