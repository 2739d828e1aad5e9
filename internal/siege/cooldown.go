package siege

import (
	"sort"
	"sync"
	"time"
)

type pairKey struct {
	a, b TerritoryID
}

// makePairKey sorts the ids so (A,B) and (B,A) share one entry.
func makePairKey(x, y TerritoryID) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// Cooldowns tracks the no-repeat-attack timer per unordered territory pair.
// Expired entries are dropped lazily on read.
// Thread-safe: protected by mu.
type Cooldowns struct {
	mu      sync.Mutex
	entries map[pairKey]time.Time // pair → expiry
	now     func() time.Time
}

// NewCooldowns creates an empty registry using now as its clock.
func NewCooldowns(now func() time.Time) *Cooldowns {
	if now == nil {
		now = time.Now
	}
	return &Cooldowns{
		entries: make(map[pairKey]time.Time, 16),
		now:     now,
	}
}

// Set starts a cooldown of length d between a and b and returns the stored entry.
func (c *Cooldowns) Set(a, b TerritoryID, d time.Duration) CooldownEntry {
	key := makePairKey(a, b)
	expiry := c.now().Add(d)

	c.mu.Lock()
	c.entries[key] = expiry
	c.mu.Unlock()

	return CooldownEntry{A: key.a, B: key.b, Expiry: expiry}
}

// IsActive returns true if a cooldown between a and b expires after now.
func (c *Cooldowns) IsActive(a, b TerritoryID, now time.Time) bool {
	_, ok := c.Expiry(a, b, now)
	return ok
}

// Expiry returns the cooldown expiry between a and b if it is still running at now.
func (c *Cooldowns) Expiry(a, b TerritoryID, now time.Time) (time.Time, bool) {
	key := makePairKey(a, b)

	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}
	if !expiry.After(now) {
		delete(c.entries, key)
		return time.Time{}, false
	}
	return expiry, true
}

// Load merges persisted entries, keeping the later expiry on conflict.
func (c *Cooldowns) Load(entries []CooldownEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		key := makePairKey(e.A, e.B)
		if cur, ok := c.entries[key]; ok && cur.After(e.Expiry) {
			continue
		}
		c.entries[key] = e.Expiry
	}
}

// Entries returns a snapshot of the cooldowns still running at now, sorted by pair.
func (c *Cooldowns) Entries(now time.Time) []CooldownEntry {
	c.mu.Lock()
	result := make([]CooldownEntry, 0, len(c.entries))
	for key, expiry := range c.entries {
		if !expiry.After(now) {
			delete(c.entries, key)
			continue
		}
		result = append(result, CooldownEntry{A: key.a, B: key.b, Expiry: expiry})
	}
	c.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].A != result[j].A {
			return result[i].A < result[j].A
		}
		return result[i].B < result[j].B
	})
	return result
}

// Prune drops every entry expired at now and returns how many were removed.
func (c *Cooldowns) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, expiry := range c.entries {
		if !expiry.After(now) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including ones not yet lazily expired.
func (c *Cooldowns) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
