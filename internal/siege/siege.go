package siege

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// State is the siege lifecycle state.
type State int32

const (
	StateNone       State = iota // Not started
	StateActive                  // Combat allowed, attack marker must survive
	StateLootPhase               // Defense marker destroyed, containers open
	StateDefended                // Timed out while active
	StateSuccessful              // Loot phase ran out
	StateCancelled               // Ended by an administrator or shutdown
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateActive:
		return "active"
	case StateLootPhase:
		return "loot_phase"
	case StateDefended:
		return "defended"
	case StateSuccessful:
		return "successful"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// IsTerminal returns true for Defended, Successful and Cancelled.
func (s State) IsTerminal() bool {
	return s == StateDefended || s == StateSuccessful || s == StateCancelled
}

// Siege is one conflict between an attacking and a defending territory.
// Callers only read it; transitions go through Registry.
// Thread-safe: protected by mu.
type Siege struct {
	mu sync.RWMutex

	id                string
	attackerTerritory TerritoryID
	defenderTerritory TerritoryID
	attackers         []ActorID

	state         State
	startedAt     time.Time
	lootStartedAt time.Time
	endedAt       time.Time
	paid          float64
}

func newSiege(id string, attackerTerritory, defenderTerritory TerritoryID, attackers []ActorID) *Siege {
	return &Siege{
		id:                id,
		attackerTerritory: attackerTerritory,
		defenderTerritory: defenderTerritory,
		attackers:         dedupeActors(attackers),
	}
}

// ID returns the siege ID.
func (s *Siege) ID() string { return s.id }

// AttackerTerritory returns the besieging territory.
func (s *Siege) AttackerTerritory() TerritoryID { return s.attackerTerritory }

// DefenderTerritory returns the besieged territory.
func (s *Siege) DefenderTerritory() TerritoryID { return s.defenderTerritory }

// Attackers returns a copy of the attacking party.
func (s *Siege) Attackers() []ActorID { return slices.Clone(s.attackers) }

// IsAttacker returns true if the actor belongs to the attacking party.
func (s *Siege) IsAttacker(actor ActorID) bool { return slices.Contains(s.attackers, actor) }

// State returns the current state.
func (s *Siege) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StartedAt returns when the siege became active.
func (s *Siege) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// LootStartedAt returns when the loot phase began (zero if it never did).
func (s *Siege) LootStartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lootStartedAt
}

// EndedAt returns when the siege reached a terminal state (zero while running).
func (s *Siege) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// Paid returns the loot paid out to the attackers.
func (s *Siege) Paid() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paid
}

// --- transitions ---

func (s *Siege) start(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(StateActive); err != nil {
		return err
	}
	s.state = StateActive
	s.startedAt = now
	return nil
}

func (s *Siege) captureMarker(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(StateLootPhase); err != nil {
		return err
	}
	s.state = StateLootPhase
	s.lootStartedAt = now
	return nil
}

func (s *Siege) end(outcome State, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(outcome); err != nil {
		return err
	}
	s.state = outcome
	s.endedAt = now
	return nil
}

// canTransition reports whether next is reachable from the current state.
func (s *Siege) canTransition(next State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(next)
}

func (s *Siege) checkLocked(next State) error {
	if s.state.IsTerminal() {
		return fmt.Errorf("siege %s is %s: %w", s.id, s.state, ErrSiegeTerminal)
	}
	if !allowedTransition(s.state, next) {
		return fmt.Errorf("siege %s: %s -> %s: %w", s.id, s.state, next, ErrInvalidTransition)
	}
	return nil
}

func (s *Siege) setPaid(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid = amount
}

func allowedTransition(from, to State) bool {
	switch from {
	case StateNone:
		return to == StateActive
	case StateActive:
		return to == StateLootPhase || to == StateDefended || to == StateCancelled
	case StateLootPhase:
		return to == StateSuccessful || to == StateCancelled
	default:
		return false
	}
}
