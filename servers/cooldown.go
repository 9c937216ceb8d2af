package servers

import (
	"sync"
	"time"

	"github.com/yllada/tunnelctl/clock"
	"github.com/yllada/tunnelctl/common"
)

// CooldownStore persists cooldown deadlines across restarts.
type CooldownStore interface {
	SaveCooldown(publicKey string, until time.Time) error
	LoadCooldowns(now time.Time) (map[string]time.Time, error)
}

// Cooldowns keeps servers that failed a handshake out of selection for
// a while.
type Cooldowns struct {
	mu    sync.Mutex
	clock clock.Clock
	until map[string]time.Time
	store CooldownStore
}

// NewCooldowns creates an empty cooldown list. store may be nil. Entries
// still running in store are loaded right away.
func NewCooldowns(c clock.Clock, store CooldownStore) *Cooldowns {
	if c == nil {
		c = clock.Real
	}
	cd := &Cooldowns{
		clock: c,
		until: make(map[string]time.Time),
		store: store,
	}
	if store != nil {
		loaded, err := store.LoadCooldowns(c.Now())
		if err != nil {
			common.LogWarn("Failed to load server cooldowns: %v", err)
		}
		for k, v := range loaded {
			cd.until[k] = v
		}
	}
	return cd
}

// Set places publicKey on cooldown for d.
func (c *Cooldowns) Set(publicKey string, d time.Duration) {
	if publicKey == "" {
		return
	}
	until := c.clock.Now().Add(d)

	c.mu.Lock()
	c.until[publicKey] = until
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveCooldown(publicKey, until); err != nil {
			common.LogWarn("Failed to persist cooldown for %s: %v", publicKey, err)
		}
	}
}

// Active reports whether publicKey is still cooling down.
func (c *Cooldowns) Active(publicKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked(publicKey, c.clock.Now())
}

func (c *Cooldowns) activeLocked(publicKey string, now time.Time) bool {
	until, ok := c.until[publicKey]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(c.until, publicKey)
		return false
	}
	return true
}

// Filter drops servers on cooldown. When every server is cooling down the
// full list is returned, so a city never becomes unreachable.
func (c *Cooldowns) Filter(list []Server) []Server {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	out := make([]Server, 0, len(list))
	for _, s := range list {
		if !c.activeLocked(s.PublicKey, now) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return list
	}
	return out
}

// Clear forgets every cooldown held in memory.
func (c *Cooldowns) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = make(map[string]time.Time)
}
