package siege

import "time"

// TerritoryID identifies a settlement's claimed territory.
type TerritoryID string

// ActorID identifies a player.
type ActorID string

// AccountID identifies an economy account.
type AccountID string

// TerritoryAccount returns the bank account of a territory.
func TerritoryAccount(id TerritoryID) AccountID { return AccountID("territory:" + string(id)) }

// ActorAccount returns the personal account of a player.
func ActorAccount(id ActorID) AccountID { return AccountID("actor:" + string(id)) }

// Location is a block position in a world.
type Location struct {
	World   string
	X, Y, Z int32
}

// AttackMarker is the marker an attacking party places inside the defender's territory.
type AttackMarker struct {
	AttackerTerritory TerritoryID
	Placer            ActorID
	Location          Location
	PlacedAt          time.Time
}

// CooldownEntry forbids a repeat siege between two territories until Expiry.
type CooldownEntry struct {
	A, B   TerritoryID
	Expiry time.Time
}

// EventKind classifies siege notifications.
type EventKind int32

const (
	EventSiegeStarted EventKind = iota + 1
	EventLootPhaseStarted
	EventSiegeEnded
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSiegeStarted:
		return "siege_started"
	case EventLootPhaseStarted:
		return "loot_phase_started"
	case EventSiegeEnded:
		return "siege_ended"
	default:
		return "unknown"
	}
}

// Event is emitted to the presentation layer on siege phase changes.
type Event struct {
	Kind              EventKind
	SiegeID           string
	AttackerTerritory TerritoryID
	DefenderTerritory TerritoryID
	Outcome           State   // only for EventSiegeEnded
	Paid              float64 // only for EventSiegeEnded
	At                time.Time
}

// dedupeActors returns actors without duplicates, preserving order.
func dedupeActors(actors []ActorID) []ActorID {
	seen := make(map[ActorID]struct{}, len(actors))
	result := make([]ActorID, 0, len(actors))
	for _, a := range actors {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		result = append(result, a)
	}
	return result
}
