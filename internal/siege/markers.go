package siege

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// markerBoard holds the attack markers placed inside defender territories.
// Thread-safe: protected by mu.
type markerBoard struct {
	mu      sync.Mutex
	attacks map[TerritoryID]AttackMarker // defender → marker

	limit    rate.Limit
	burst    int
	limiters map[ActorID]*rate.Limiter
}

func newMarkerBoard(perSecond float64, burst int) *markerBoard {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &markerBoard{
		attacks:  make(map[TerritoryID]AttackMarker, 8),
		limit:    limit,
		burst:    burst,
		limiters: make(map[ActorID]*rate.Limiter, 32),
	}
}

// AttackMarker returns the marker placed inside defender.
func (b *markerBoard) AttackMarker(defender TerritoryID) (AttackMarker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.attacks[defender]
	return m, ok
}

func (b *markerBoard) place(defender TerritoryID, m AttackMarker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attacks[defender] = m
}

func (b *markerBoard) remove(defender TerritoryID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attacks, defender)
}

// allow consumes one placement token of placer at now.
func (b *markerBoard) allow(placer ActorID, now time.Time) bool {
	if b.limit == rate.Inf {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[placer]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[placer] = l
	}
	return l.AllowN(now, 1)
}

// removeIf deletes the marker of defender only if it is still m.
func (b *markerBoard) removeIf(defender TerritoryID, m AttackMarker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.attacks[defender]
	if ok && cur.Placer == m.Placer && cur.AttackerTerritory == m.AttackerTerritory && cur.PlacedAt.Equal(m.PlacedAt) {
		delete(b.attacks, defender)
	}
}

// pruneLimiters drops limiters that refilled to a full bucket by now.
// Such a placer is indistinguishable from one never seen.
func (b *markerBoard) pruneLimiters(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for placer, l := range b.limiters {
		if l.TokensAt(now) >= float64(b.burst) {
			delete(b.limiters, placer)
			n++
		}
	}
	return n
}
