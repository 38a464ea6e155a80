package enforce

import (
	"sync"
	"time"
)

// cooldown suppresses repeats of the same key inside a window
type cooldown struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   map[string]time.Time
}

func newCooldown(window time.Duration, now func() time.Time) *cooldown {
	return &cooldown{window: window, now: now, last: make(map[string]time.Time)}
}

func (c *cooldown) allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if t, ok := c.last[key]; ok && now.Sub(t) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

func (c *cooldown) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, t := range c.last {
		if now.Sub(t) >= c.window {
			delete(c.last, k)
		}
	}
}
