package origin

import (
	"sync"
	"time"
)

// DefaultTabTTL is how long a heartbeat keeps a tab attributed
const DefaultTabTTL = 2 * time.Minute

// TabTracker remembers which tabs recently showed a target application page.
// It is a hint for attributing blob:/data: downloads, never proof.
type TabTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	lastSeen map[int]time.Time
}

// NewTabTracker creates a tracker; ttl <= 0 uses DefaultTabTTL
func NewTabTracker(ttl time.Duration, now func() time.Time) *TabTracker {
	if ttl <= 0 {
		ttl = DefaultTabTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TabTracker{
		ttl:      ttl,
		now:      now,
		lastSeen: make(map[int]time.Time),
	}
}

// Mark records a heartbeat for tabID
func (t *TabTracker) Mark(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[tabID] = t.now()
}

// Clear forgets tabID
func (t *TabTracker) Clear(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, tabID)
}

// IsRecentlyMarked reports whether tabID sent a heartbeat within the TTL.
// Expired entries are purged on read.
func (t *TabTracker) IsRecentlyMarked(tabID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen, ok := t.lastSeen[tabID]
	if !ok {
		return false
	}
	if t.now().Sub(seen) > t.ttl {
		delete(t.lastSeen, tabID)
		return false
	}
	return true
}

// Len returns the number of tracked tabs, expired or not
func (t *TabTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}
