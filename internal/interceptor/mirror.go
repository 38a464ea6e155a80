package interceptor

import (
	"context"
	"sort"
	"sync"

	"github.com/zezudoo/wa-download-guard/internal/messaging"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

// Snapshot is a consistent copy of the mirrored state
type Snapshot struct {
	Enabled    bool     `json:"enabled"`
	HasPolicy  bool     `json:"hasPolicy"`
	Extensions []string `json:"extensions"`
}

// Mirror is the page's local copy of the enabled flag and the allowed
// extensions. It starts enabled with no policy, which blocks everything.
type Mirror struct {
	mu        sync.RWMutex
	enabled   bool
	hasPolicy bool
	exts      map[string]struct{}
}

// NewMirror creates a new mirror
func NewMirror() *Mirror {
	return &Mirror{enabled: true, exts: map[string]struct{}{}}
}

// SetEnabled updates the kill switch
func (m *Mirror) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// SetPolicy replaces the allowed extensions; nil means no policy
func (m *Mirror) SetPolicy(p *policy.Policy) {
	exts := make(map[string]struct{})
	if p != nil {
		for _, ext := range p.Allowed.Extensions {
			exts[policy.NormalizeExtension(ext)] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasPolicy = p != nil
	m.exts = exts
}

// Apply replaces the whole mirrored state
func (m *Mirror) Apply(state messaging.StatePush) {
	m.SetPolicy(state.Policy)
	m.SetEnabled(state.Enabled)
}

// Snapshot returns the current state
func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exts := make([]string, 0, len(m.exts))
	for ext := range m.exts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return Snapshot{Enabled: m.enabled, HasPolicy: m.hasPolicy, Extensions: exts}
}

func (m *Mirror) view() (enabled, hasPolicy bool, allows func(string) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exts := m.exts
	return m.enabled, m.hasPolicy, func(ext string) bool {
		_, ok := exts[ext]
		return ok
	}
}

// SyncFromStore loads the current values from kv and follows its change
// notifications until the returned cancel func is called.
func (m *Mirror) SyncFromStore(ctx context.Context, kv store.Store) (func(), error) {
	cancel := kv.Watch(func(c store.Change) {
		m.applyChange(c.Key, c.NewValue)
	})

	values, err := kv.Get(ctx, store.KeyEnabled, store.KeyPolicy)
	if err != nil {
		cancel()
		return nil, err
	}
	m.applyChange(store.KeyEnabled, values[store.KeyEnabled])
	m.applyChange(store.KeyPolicy, values[store.KeyPolicy])
	return cancel, nil
}

func (m *Mirror) applyChange(key string, raw []byte) {
	switch key {
	case store.KeyEnabled:
		m.SetEnabled(store.DecodeEnabled(raw))
	case store.KeyPolicy:
		if raw == nil {
			m.SetPolicy(nil)
			return
		}
		p, err := store.DecodePolicy(raw)
		if err != nil {
			// unreadable policy is no policy
			p = nil
		}
		m.SetPolicy(p)
	}
}
