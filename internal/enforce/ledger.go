package enforce

import (
	"sync"
	"time"
)

// State is the lifecycle of a download id inside the ledger
type State int

const (
	StateUnseen State = iota
	StateInFlight
	StateHandled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateInFlight:
		return "in-flight"
	case StateHandled:
		return "handled"
	case StateExpired:
		return "expired"
	default:
		return "unseen"
	}
}

type ledgerEntry struct {
	state     State
	source    Source
	handledAt time.Time
}

// Ledger guarantees at most one enforcement per download id.
// unseen -> in-flight (Begin) -> handled (Finish) -> expired (after ttl).
// Expired ids behave like unseen ones and are dropped by Sweep.
type Ledger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]*ledgerEntry
	pending map[int64]*time.Timer
	// running counts scheduled callbacks that have not been stopped or returned
	running sync.WaitGroup
	stopped bool
}

// NewLedger creates a ledger whose handled entries live for ttl
func NewLedger(ttl time.Duration, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		ttl:     ttl,
		now:     now,
		entries: make(map[int64]*ledgerEntry),
		pending: make(map[int64]*time.Timer),
	}
}

// State returns the current state of id
func (l *Ledger) State(id int64) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(id)
}

func (l *Ledger) stateLocked(id int64) State {
	e, ok := l.entries[id]
	if !ok {
		return StateUnseen
	}
	if e.state == StateHandled && l.now().Sub(e.handledAt) >= l.ttl {
		return StateExpired
	}
	return e.state
}

// Begin claims id for source. It returns false when id is in flight or
// was handled within the ttl.
func (l *Ledger) Begin(id int64, source Source) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.stateLocked(id) {
	case StateInFlight, StateHandled:
		return false
	}
	l.entries[id] = &ledgerEntry{state: StateInFlight, source: source}
	return true
}

// Finish moves id from in-flight to handled
func (l *Ledger) Finish(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return
	}
	e.state = StateHandled
	e.handledAt = l.now()
}

// HandledBy returns the source that claimed id, if any
func (l *Ledger) HandledBy(id int64) (Source, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return "", false
	}
	return e.source, true
}

// Schedule runs fn after delay unless Unschedule is called first.
// An existing timer for id is replaced. After StopAll it does nothing.
func (l *Ledger) Schedule(id int64, delay time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	if t, ok := l.pending[id]; ok {
		l.stopLocked(t)
	}

	l.running.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer l.running.Done()

		l.mu.Lock()
		current := l.pending[id] == timer
		if current {
			delete(l.pending, id)
		}
		l.mu.Unlock()
		if current {
			fn()
		}
	})
	l.pending[id] = timer
}

// stopLocked stops t. A callback that already started releases itself.
func (l *Ledger) stopLocked(t *time.Timer) {
	if t.Stop() {
		l.running.Done()
	}
}

// Unschedule cancels a pending fallback for id
func (l *Ledger) Unschedule(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.pending[id]
	if !ok {
		return false
	}
	l.stopLocked(t)
	delete(l.pending, id)
	return true
}

// Pending returns the number of scheduled fallbacks
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Sweep drops expired entries and returns how many were removed
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id := range l.entries {
		if l.stateLocked(id) == StateExpired {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked ids
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// StopAll cancels every pending fallback and refuses new ones
func (l *Ledger) StopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for id, t := range l.pending {
		l.stopLocked(t)
		delete(l.pending, id)
	}
}

// Wait blocks until every fallback that already fired has returned
func (l *Ledger) Wait() {
	l.running.Wait()
}
