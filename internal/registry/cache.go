package registry

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached command stays valid.
	DefaultTTL = 5 * time.Minute

	// sweepInterval is how often expired entries are removed. Expiry
	// is also enforced on read, so the sweep only bounds memory.
	sweepInterval = time.Minute
)

type entry struct {
	cmd      *Command
	inserted time.Time
}

type cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]entry
}

func newCache(ttl time.Duration) *cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &cache{ttl: ttl, m: make(map[string]entry)}
}

func (c *cache) get(name string) *Command {
	c.mu.RLock()
	e, ok := c.m[name]
	c.mu.RUnlock()
	if !ok || time.Since(e.inserted) > c.ttl {
		return nil
	}
	return e.cmd
}

func (c *cache) put(name string, cmd *Command) {
	c.mu.Lock()
	c.m[name] = entry{cmd: cmd, inserted: time.Now()}
	c.mu.Unlock()
}

func (c *cache) drop(name string) {
	c.mu.Lock()
	delete(c.m, name)
	c.mu.Unlock()
}

func (c *cache) clear() {
	c.mu.Lock()
	c.m = make(map[string]entry)
	c.mu.Unlock()
}

func (c *cache) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for name, e := range c.m {
		if time.Since(e.inserted) > c.ttl {
			delete(c.m, name)
			removed++
		}
	}
	return removed
}

// startSweeper blocks until ctx is cancelled, removing expired entries
// every sweepInterval.
func (c *cache) startSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
