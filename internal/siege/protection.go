package siege

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Flag is a territory protection flag. A true value permits the action for outsiders.
type Flag string

const (
	FlagBuild           Flag = "build"
	FlagDestroy         Flag = "destroy"
	FlagContainerAccess Flag = "container_access"
	FlagPvP             Flag = "pvp"
	FlagItemUse         Flag = "item_use"
	FlagEntityInteract  Flag = "entity_interact"
)

// allFlags is the fixed flag set captured by a snapshot, in write order.
var allFlags = [...]Flag{
	FlagBuild,
	FlagDestroy,
	FlagContainerAccess,
	FlagPvP,
	FlagItemUse,
	FlagEntityInteract,
}

// AllFlags returns the flag set managed during a siege.
func AllFlags() []Flag { return allFlags[:] }

// FlagSet maps flags to values.
type FlagSet map[Flag]bool

// DefaultProtectedFlags returns the fallback used when no snapshot exists:
// every action forbidden for outsiders.
func DefaultProtectedFlags() FlagSet {
	fs := make(FlagSet, len(allFlags))
	for _, f := range allFlags {
		fs[f] = false
	}
	return fs
}

// combatFlags are written when a siege starts.
func combatFlags() FlagSet {
	return FlagSet{FlagPvP: true, FlagBuild: true, FlagDestroy: true}
}

// lootFlags are written when the loot phase starts.
func lootFlags() FlagSet {
	return FlagSet{FlagContainerAccess: true, FlagItemUse: true, FlagEntityInteract: true}
}

// Protection snapshots, overrides and restores territory protection flags.
// Thread-safe: protected by mu. The mutex is never held across a backend call,
// so calls for one territory are expected to come from the host loop in order;
// OverrideLoot still undoes its writes if a Restore slips in between.
type Protection struct {
	backend ProtectionBackend
	timeout time.Duration

	mu        sync.Mutex
	snapshots map[TerritoryID]FlagSet
	inFlight  map[TerritoryID]struct{} // Override running
	restored  map[TerritoryID]struct{} // snapshot consumed, nothing outstanding
}

// NewProtection creates a coordinator over backend. Each backend call is bounded by timeout.
func NewProtection(backend ProtectionBackend, timeout time.Duration) *Protection {
	return &Protection{
		backend:   backend,
		timeout:   timeout,
		snapshots: make(map[TerritoryID]FlagSet, 8),
		inFlight:  make(map[TerritoryID]struct{}, 8),
		restored:  make(map[TerritoryID]struct{}, 8),
	}
}

// Outstanding returns true if a snapshot is waiting to be restored.
func (p *Protection) Outstanding(territory TerritoryID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.snapshots[territory]
	return ok
}

// Snapshot returns a copy of the outstanding snapshot for territory.
func (p *Protection) Snapshot(territory TerritoryID) (FlagSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[territory]
	if !ok {
		return nil, false
	}
	return maps.Clone(snap), true
}

// Override captures the current flags of territory and writes the combat values.
// Nothing stays applied on failure.
func (p *Protection) Override(ctx context.Context, territory TerritoryID) error {
	p.mu.Lock()
	if _, ok := p.snapshots[territory]; ok {
		p.mu.Unlock()
		return fmt.Errorf("override %s: %w", territory, ErrSnapshotOutstanding)
	}
	if _, ok := p.inFlight[territory]; ok {
		p.mu.Unlock()
		return fmt.Errorf("override %s: %w", territory, ErrSnapshotOutstanding)
	}
	p.inFlight[territory] = struct{}{}
	p.mu.Unlock()

	snap, err := p.capture(ctx, territory)
	if err == nil {
		err = p.write(ctx, territory, combatFlags(), snap)
	}

	p.mu.Lock()
	delete(p.inFlight, territory)
	if err == nil {
		p.snapshots[territory] = snap
		delete(p.restored, territory)
	}
	p.mu.Unlock()

	if err != nil {
		return err
	}
	slog.Info("protection: overridden for siege", "territory", territory)
	return nil
}

// OverrideLoot opens containers and interaction for the loot phase.
// Requires the snapshot taken by Override.
func (p *Protection) OverrideLoot(ctx context.Context, territory TerritoryID) error {
	snap, ok := p.Snapshot(territory)
	if !ok {
		return fmt.Errorf("loot override %s: %w", territory, ErrNoSnapshot)
	}
	loot := lootFlags()
	if err := p.write(ctx, territory, loot, snap); err != nil {
		return err
	}
	// Restore мог пройти во время записи: сундуки не должны остаться открытыми.
	if !p.Outstanding(territory) {
		p.rollback(ctx, territory, slices.Collect(maps.Keys(loot)), snap)
		return fmt.Errorf("loot override %s: restored concurrently: %w", territory, ErrNoSnapshot)
	}
	slog.Info("protection: loot phase opened", "territory", territory)
	return nil
}

// Restore writes the snapshot of territory back and discards it.
// Without a snapshot, the default protected set is written instead, unless
// the territory was already restored, in which case nothing is written.
// On write failure the snapshot is kept so a retry restores the prior values.
func (p *Protection) Restore(ctx context.Context, territory TerritoryID) error {
	p.mu.Lock()
	snap, ok := p.snapshots[territory]
	_, done := p.restored[territory]
	p.mu.Unlock()

	if !ok {
		if done {
			slog.Warn("protection: restore without snapshot, already restored", "territory", territory)
			return nil
		}
		slog.Warn("protection: restore without snapshot, applying defaults", "territory", territory)
		snap = DefaultProtectedFlags()
	}

	var errs []error
	for _, f := range allFlags {
		value, has := snap[f]
		if !has {
			continue
		}
		if err := p.setFlag(ctx, territory, f, value); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore %s: %w", territory, errors.Join(errs...))
	}

	p.mu.Lock()
	delete(p.snapshots, territory)
	p.restored[territory] = struct{}{}
	p.mu.Unlock()

	slog.Info("protection: restored", "territory", territory, "from_snapshot", ok)
	return nil
}

func (p *Protection) capture(ctx context.Context, territory TerritoryID) (FlagSet, error) {
	cctx, cancel := p.callContext(ctx)
	exists, err := p.backend.RegionExists(cctx, territory)
	cancel()
	if err != nil {
		return nil, backendErr(fmt.Sprintf("region lookup %s", territory), err)
	}
	if !exists {
		return nil, fmt.Errorf("override %s: %w", territory, ErrRegionMissing)
	}

	snap := make(FlagSet, len(allFlags))
	for _, f := range allFlags {
		cctx, cancel := p.callContext(ctx)
		v, err := p.backend.GetFlag(cctx, territory, f)
		cancel()
		if err != nil {
			return nil, backendErr(fmt.Sprintf("read flag %s of %s", f, territory), err)
		}
		snap[f] = v
	}
	return snap, nil
}

// write applies values in flag order; on failure every flag already written
// is put back to its snapshot value.
func (p *Protection) write(ctx context.Context, territory TerritoryID, values, snap FlagSet) error {
	written := make([]Flag, 0, len(values))
	for _, f := range allFlags {
		v, ok := values[f]
		if !ok {
			continue
		}
		if err := p.setFlag(ctx, territory, f, v); err != nil {
			p.rollback(ctx, territory, written, snap)
			return err
		}
		written = append(written, f)
	}
	return nil
}

func (p *Protection) rollback(ctx context.Context, territory TerritoryID, flags []Flag, snap FlagSet) {
	for _, f := range flags {
		if err := p.setFlag(ctx, territory, f, snap[f]); err != nil {
			slog.Error("protection: rollback failed",
				"territory", territory, "flag", f, "error", err)
		}
	}
}

func (p *Protection) setFlag(ctx context.Context, territory TerritoryID, f Flag, value bool) error {
	cctx, cancel := p.callContext(ctx)
	defer cancel()
	if err := p.backend.SetFlag(cctx, territory, f, value); err != nil {
		return backendErr(fmt.Sprintf("write flag %s of %s", f, territory), err)
	}
	return nil
}

func (p *Protection) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}
