package siege

import (
	"context"
	"time"
)

// ProtectionBackend reads and writes territory protection flags.
type ProtectionBackend interface {
	GetFlag(ctx context.Context, territory TerritoryID, flag Flag) (bool, error)
	SetFlag(ctx context.Context, territory TerritoryID, flag Flag, value bool) error
	RegionExists(ctx context.Context, territory TerritoryID) (bool, error)
}

// Economy moves money between accounts.
// Withdraw must return ErrInsufficientFunds when the balance does not cover amount.
type Economy interface {
	Balance(ctx context.Context, account AccountID, currency string) (float64, error)
	Withdraw(ctx context.Context, account AccountID, currency string, amount float64) error
	Deposit(ctx context.Context, account AccountID, currency string, amount float64) error
}

// Presence reports which players are online.
type Presence interface {
	IsOnline(actor ActorID) bool
	OnlineMembersOf(territory TerritoryID) []ActorID
}

// Directory answers settlement membership questions.
type Directory interface {
	MembersOf(territory TerritoryID) []ActorID
	OwnerOf(territory TerritoryID) ActorID
}

// Territories exposes the claim geometry the siege core needs.
type Territories interface {
	Contains(territory TerritoryID, loc Location) bool
	DefenseMarker(territory TerritoryID) (Location, bool)
}

// Notifier receives siege events. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Scheduler is the host's clock and deferred-task queue.
// After must never run fn synchronously; the returned func cancels a pending fn.
type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) (cancel func())
}

// CooldownStore persists cooldowns across restarts.
type CooldownStore interface {
	SaveCooldown(ctx context.Context, entry CooldownEntry) error
	LoadCooldowns(ctx context.Context, now time.Time) ([]CooldownEntry, error)
}

// HistoryStore records finished sieges.
type HistoryStore interface {
	RecordSiege(ctx context.Context, s *Siege) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
