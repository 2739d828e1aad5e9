// Package town holds the in-memory settlement directory used by the siege server:
// membership, presence, claim bounds, defense markers and protection regions.
package town

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/udisondev/citysiege/internal/siege"
)

// Directory errors.
var (
	ErrTownExists   = errors.New("town already exists")
	ErrTownNotFound = errors.New("town not found")
)

// Bounds is a rectangular claim on the XZ plane, inclusive.
type Bounds struct {
	World      string
	MinX, MinZ int32
	MaxX, MaxZ int32
}

// Contains returns true if loc lies inside the bounds.
func (b Bounds) Contains(loc siege.Location) bool {
	return loc.World == b.World &&
		loc.X >= b.MinX && loc.X <= b.MaxX &&
		loc.Z >= b.MinZ && loc.Z <= b.MaxZ
}

// Town describes a settlement.
type Town struct {
	ID      siege.TerritoryID
	Name    string
	Owner   siege.ActorID
	Members []siege.ActorID
	Bounds  Bounds
	// Flags seeds the protection region; missing flags start protected (false).
	Flags siege.FlagSet
}

type townState struct {
	town      Town
	members   map[siege.ActorID]struct{}
	flags     siege.FlagSet
	hasRegion bool
	defense   *siege.Location
}

// World is the settlement directory.
// Implements siege.Directory, siege.Presence, siege.Territories and siege.ProtectionBackend.
// Thread-safe: protected by mu.
type World struct {
	mu     sync.RWMutex
	towns  map[siege.TerritoryID]*townState
	online map[siege.ActorID]struct{}
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{
		towns:  make(map[siege.TerritoryID]*townState, 16),
		online: make(map[siege.ActorID]struct{}, 64),
	}
}

// AddTown registers a town with its protection region.
func (w *World) AddTown(t Town) error {
	if t.ID == "" {
		return errors.New("town id is empty")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.towns[t.ID]; ok {
		return fmt.Errorf("town %s: %w", t.ID, ErrTownExists)
	}

	st := &townState{
		town:      t,
		members:   make(map[siege.ActorID]struct{}, len(t.Members)+1),
		flags:     siege.DefaultProtectedFlags(),
		hasRegion: true,
	}
	maps.Copy(st.flags, t.Flags)
	for _, m := range t.Members {
		st.members[m] = struct{}{}
	}
	if t.Owner != "" {
		st.members[t.Owner] = struct{}{}
	}
	st.town.Members = nil
	st.town.Flags = nil
	w.towns[t.ID] = st
	return nil
}

// Town returns a copy of the town description.
func (w *World) Town(id siege.TerritoryID) (Town, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	if !ok {
		return Town{}, false
	}
	t := st.town
	t.Members = sortedActors(st.members)
	t.Flags = maps.Clone(st.flags)
	return t, true
}

// Towns returns the ids of all towns, sorted.
func (w *World) Towns() []siege.TerritoryID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := slices.Collect(maps.Keys(w.towns))
	slices.Sort(ids)
	return ids
}

// AddMember adds actor to a town.
func (w *World) AddMember(id siege.TerritoryID, actor siege.ActorID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.towns[id]
	if !ok {
		return fmt.Errorf("town %s: %w", id, ErrTownNotFound)
	}
	st.members[actor] = struct{}{}
	return nil
}

// TownOf returns the town actor belongs to.
func (w *World) TownOf(actor siege.ActorID) (siege.TerritoryID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for id, st := range w.towns {
		if _, ok := st.members[actor]; ok {
			return id, true
		}
	}
	return "", false
}

// RemoveRegion drops the protection region of a town (the claim plugin lost it).
func (w *World) RemoveRegion(id siege.TerritoryID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.towns[id]; ok {
		st.hasRegion = false
	}
}

// --- presence ---

// SetOnline marks actor online or offline.
func (w *World) SetOnline(actor siege.ActorID, online bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if online {
		w.online[actor] = struct{}{}
	} else {
		delete(w.online, actor)
	}
}

// IsOnline implements siege.Presence.
func (w *World) IsOnline(actor siege.ActorID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.online[actor]
	return ok
}

// OnlineMembersOf implements siege.Presence.
func (w *World) OnlineMembersOf(id siege.TerritoryID) []siege.ActorID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	if !ok {
		return nil
	}
	result := make([]siege.ActorID, 0, len(st.members))
	for m := range st.members {
		if _, on := w.online[m]; on {
			result = append(result, m)
		}
	}
	slices.Sort(result)
	return result
}

// --- directory ---

// MembersOf implements siege.Directory.
func (w *World) MembersOf(id siege.TerritoryID) []siege.ActorID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	if !ok {
		return nil
	}
	return sortedActors(st.members)
}

// OwnerOf implements siege.Directory.
func (w *World) OwnerOf(id siege.TerritoryID) siege.ActorID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	if !ok {
		return ""
	}
	return st.town.Owner
}

// --- claim geometry ---

// Contains implements siege.Territories.
func (w *World) Contains(id siege.TerritoryID, loc siege.Location) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	return ok && st.town.Bounds.Contains(loc)
}

// SetDefenseMarker places the defense marker of a town; it must lie inside the town.
func (w *World) SetDefenseMarker(id siege.TerritoryID, loc siege.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.towns[id]
	if !ok {
		return fmt.Errorf("town %s: %w", id, ErrTownNotFound)
	}
	if !st.town.Bounds.Contains(loc) {
		return fmt.Errorf("defense marker of %s outside its bounds", id)
	}
	st.defense = &loc
	return nil
}

// ClearDefenseMarker removes the defense marker of a town.
func (w *World) ClearDefenseMarker(id siege.TerritoryID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.towns[id]; ok {
		st.defense = nil
	}
}

// DefenseMarker implements siege.Territories.
func (w *World) DefenseMarker(id siege.TerritoryID) (siege.Location, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	if !ok || st.defense == nil {
		return siege.Location{}, false
	}
	return *st.defense, true
}

// --- protection backend ---

// RegionExists implements siege.ProtectionBackend.
func (w *World) RegionExists(_ context.Context, id siege.TerritoryID) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	return ok && st.hasRegion, nil
}

// GetFlag implements siege.ProtectionBackend.
func (w *World) GetFlag(_ context.Context, id siege.TerritoryID, flag siege.Flag) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, err := w.regionLocked(id)
	if err != nil {
		return false, err
	}
	return st.flags[flag], nil
}

// SetFlag implements siege.ProtectionBackend.
func (w *World) SetFlag(_ context.Context, id siege.TerritoryID, flag siege.Flag, value bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, err := w.regionLocked(id)
	if err != nil {
		return err
	}
	st.flags[flag] = value
	return nil
}

// Flags returns a copy of the current protection flags of a town.
func (w *World) Flags(id siege.TerritoryID) siege.FlagSet {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.towns[id]
	if !ok {
		return nil
	}
	return maps.Clone(st.flags)
}

func (w *World) regionLocked(id siege.TerritoryID) (*townState, error) {
	st, ok := w.towns[id]
	if !ok {
		return nil, fmt.Errorf("town %s: %w", id, ErrTownNotFound)
	}
	if !st.hasRegion {
		return nil, fmt.Errorf("town %s: %w", id, siege.ErrRegionMissing)
	}
	return st, nil
}

func sortedActors(set map[siege.ActorID]struct{}) []siege.ActorID {
	result := slices.Collect(maps.Keys(set))
	slices.Sort(result)
	return result
}
