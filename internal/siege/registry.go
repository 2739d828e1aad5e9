package siege

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Повтор восстановления защиты после сбоя бэкенда.
const (
	restoreRetryBase = 5 * time.Second
	restoreRetryMax  = 5 * time.Minute
)

// Deps are the collaborators a Registry needs. Notifier, Cooldowns and History are optional.
type Deps struct {
	Protection  ProtectionBackend
	Economy     Economy
	Presence    Presence
	Directory   Directory
	Territories Territories
	Scheduler   Scheduler
	Notifier    Notifier
	Cooldowns   CooldownStore
	History     HistoryStore
}

func (d Deps) validate() error {
	var missing []string
	if d.Protection == nil {
		missing = append(missing, "protection")
	}
	if d.Economy == nil {
		missing = append(missing, "economy")
	}
	if d.Presence == nil {
		missing = append(missing, "presence")
	}
	if d.Directory == nil {
		missing = append(missing, "directory")
	}
	if d.Territories == nil {
		missing = append(missing, "territories")
	}
	if d.Scheduler == nil {
		missing = append(missing, "scheduler")
	}
	if len(missing) > 0 {
		return fmt.Errorf("siege registry: missing dependencies %v", missing)
	}
	return nil
}

// entry is a running siege and its pending phase timer.
type entry struct {
	siege  *Siege
	cancel func()
}

func (e *entry) stopTimer() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Registry owns every running siege and drives its lifecycle.
// It is the single entry point for the command layer and marker listeners.
// Thread-safe: protected by mu, which is never held across a backend call.
type Registry struct {
	cfg        Config
	validator  *Validator
	protection *Protection
	rewards    *Rewards
	cooldowns  *Cooldowns
	markers    *markerBoard
	economy    Economy
	directory  Directory
	sched      Scheduler
	notifier   Notifier
	cooldownDB CooldownStore
	history    HistoryStore

	mu         sync.Mutex
	byID       map[string]*entry
	byDefender map[TerritoryID]*entry
	byAttacker map[TerritoryID]*entry
	// Территории, занятые стартом или завершением осады.
	reserved map[TerritoryID]struct{}
	// Защитник ждёт повторного восстановления флагов; территория остаётся занятой.
	restoring map[TerritoryID]func()
}

// NewRegistry creates a registry with the given rules and collaborators.
func NewRegistry(cfg Config, deps Deps) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("siege config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:        cfg,
		protection: NewProtection(deps.Protection, cfg.BackendTimeout),
		rewards:    NewRewards(deps.Economy, deps.Presence, cfg.Currency, cfg.BackendTimeout),
		cooldowns:  NewCooldowns(deps.Scheduler.Now),
		markers:    newMarkerBoard(cfg.MarkerRate, cfg.MarkerBurst),
		economy:    deps.Economy,
		directory:  deps.Directory,
		sched:      deps.Scheduler,
		notifier:   deps.Notifier,
		cooldownDB: deps.Cooldowns,
		history:    deps.History,
		byID:       make(map[string]*entry, 8),
		byDefender: make(map[TerritoryID]*entry, 8),
		byAttacker: make(map[TerritoryID]*entry, 8),
		reserved:   make(map[TerritoryID]struct{}, 8),
		restoring:  make(map[TerritoryID]func(), 4),
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	r.validator = &Validator{
		cfg:         cfg,
		sieges:      r,
		markers:     r.markers,
		cooldowns:   r.cooldowns,
		presence:    deps.Presence,
		directory:   deps.Directory,
		territories: deps.Territories,
		economy:     deps.Economy,
	}
	return r, nil
}

// Config returns the siege rules.
func (r *Registry) Config() Config { return r.cfg }

// Validator returns the eligibility validator bound to this registry.
func (r *Registry) Validator() *Validator { return r.validator }

// Cooldowns returns the cooldown registry.
func (r *Registry) Cooldowns() *Cooldowns { return r.cooldowns }

// Protection returns the protection coordinator.
func (r *Registry) Protection() *Protection { return r.protection }

// LoadCooldowns restores persisted cooldowns from the configured store.
func (r *Registry) LoadCooldowns(ctx context.Context) (int, error) {
	if r.cooldownDB == nil {
		return 0, nil
	}
	entries, err := r.cooldownDB.LoadCooldowns(ctx, r.sched.Now())
	if err != nil {
		return 0, fmt.Errorf("loading cooldowns: %w", err)
	}
	r.cooldowns.Load(entries)
	return len(entries), nil
}

// Sweep drops expired cooldowns and idle marker rate limiters.
func (r *Registry) Sweep(now time.Time) (cooldowns, limiters int) {
	return r.cooldowns.Prune(now), r.markers.pruneLimiters(now)
}

// --- queries ---

// IsBusy returns true if territory attacks, defends, or is being set up or torn down.
func (r *Registry) IsBusy(territory TerritoryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busyLocked(territory)
}

func (r *Registry) busyLocked(territory TerritoryID) bool {
	if _, ok := r.byDefender[territory]; ok {
		return true
	}
	if _, ok := r.byAttacker[territory]; ok {
		return true
	}
	_, ok := r.reserved[territory]
	return ok
}

// Active returns the running siege against defender.
func (r *Registry) Active(defender TerritoryID) (*Siege, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDefender[defender]
	if !ok {
		return nil, false
	}
	return e.siege, true
}

// ByAttacker returns the running siege launched by attacker.
func (r *Registry) ByAttacker(attacker TerritoryID) (*Siege, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byAttacker[attacker]
	if !ok {
		return nil, false
	}
	return e.siege, true
}

// Siege returns a running siege by ID.
func (r *Registry) Siege(id string) (*Siege, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.siege, true
}

// Sieges returns a snapshot of all running sieges ordered by start time.
func (r *Registry) Sieges() []*Siege {
	r.mu.Lock()
	result := make([]*Siege, 0, len(r.byID))
	for _, e := range r.byID {
		result = append(result, e.siege)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt().Before(result[j].StartedAt())
	})
	return result
}

// Count returns the number of running sieges.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// --- lifecycle ---

// StartSiege validates and starts a siege of attackerTerritory against defenderTerritory.
// On failure nothing stays applied: no override, no charge, no registration.
func (r *Registry) StartSiege(ctx context.Context, attackers []ActorID, attackerTerritory, defenderTerritory TerritoryID) (*Siege, error) {
	now := r.sched.Now()
	if ok, reason := r.validator.CanStart(ctx, attackers, attackerTerritory, defenderTerritory, now); !ok {
		return nil, &ValidationError{Reason: reason}
	}

	// Повторная проверка под блокировкой закрывает гонку validate-then-act.
	if err := r.reserve(attackerTerritory, defenderTerritory); err != nil {
		return nil, err
	}
	committed, restoring := false, false
	defer func() {
		switch {
		case committed:
		case restoring:
			r.release(attackerTerritory)
		default:
			r.release(attackerTerritory, defenderTerritory)
		}
	}()

	if err := r.protection.Override(ctx, defenderTerritory); err != nil {
		return nil, fmt.Errorf("starting siege on %s: %w", defenderTerritory, err)
	}

	if err := r.charge(ctx, attackerTerritory); err != nil {
		if rerr := r.protection.Restore(ctx, defenderTerritory); rerr != nil {
			slog.Error("siege: restore after failed charge",
				"defender", defenderTerritory, "retry_in", restoreRetryBase, "error", rerr)
			restoring = true
			r.scheduleRestore(defenderTerritory, restoreRetryBase)
		}
		return nil, err
	}

	s := newSiege(uuid.NewString(), attackerTerritory, defenderTerritory, attackers)
	if err := s.start(now); err != nil {
		return nil, err
	}
	id := s.ID()

	r.mu.Lock()
	e := &entry{siege: s}
	delete(r.reserved, attackerTerritory)
	delete(r.reserved, defenderTerritory)
	r.byID[id] = e
	r.byDefender[defenderTerritory] = e
	r.byAttacker[attackerTerritory] = e
	e.cancel = r.sched.After(r.cfg.SiegeDuration, func() {
		r.onPhaseTimeout(id, StateActive)
	})
	r.mu.Unlock()
	committed = true

	slog.Info("siege started",
		"siege_id", id,
		"attacker", attackerTerritory,
		"defender", defenderTerritory,
		"attackers", len(s.attackers),
		"duration", r.cfg.SiegeDuration)

	r.notifier.Notify(Event{
		Kind:              EventSiegeStarted,
		SiegeID:           id,
		AttackerTerritory: attackerTerritory,
		DefenderTerritory: defenderTerritory,
		At:                now,
	})
	return s, nil
}

// OnMarkerCaptured moves the siege against defender into the loot phase.
func (r *Registry) OnMarkerCaptured(ctx context.Context, defender TerritoryID) error {
	now := r.sched.Now()

	r.mu.Lock()
	e, ok := r.byDefender[defender]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("marker captured in %s: %w", defender, ErrSiegeNotFound)
	}
	s := e.siege
	if err := s.captureMarker(now); err != nil {
		r.mu.Unlock()
		return err
	}
	id := s.ID()
	e.stopTimer()
	e.cancel = r.sched.After(r.cfg.LootDuration, func() {
		r.onPhaseTimeout(id, StateLootPhase)
	})
	r.mu.Unlock()

	// Фаза грабежа идёт даже если открыть сундуки не удалось.
	if err := r.protection.OverrideLoot(ctx, defender); err != nil {
		slog.Warn("siege: loot override failed", "siege_id", id, "defender", defender, "error", err)
	}

	slog.Info("siege: loot phase started",
		"siege_id", id, "defender", defender, "duration", r.cfg.LootDuration)

	r.notifier.Notify(Event{
		Kind:              EventLootPhaseStarted,
		SiegeID:           id,
		AttackerTerritory: s.AttackerTerritory(),
		DefenderTerritory: defender,
		At:                now,
	})
	return nil
}

// EndSiege finishes a siege with outcome and performs the terminal housekeeping:
// protection restore, loot payout (Successful only) and cooldown.
// Ending a siege that already left the registry is a no-op.
func (r *Registry) EndSiege(ctx context.Context, id string, outcome State) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("ending siege %s with %s: %w", id, outcome, ErrInvalidTransition)
	}

	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	s := e.siege
	if err := s.canTransition(outcome); err != nil {
		r.mu.Unlock()
		return err
	}
	e.stopTimer()
	delete(r.byID, id)
	delete(r.byDefender, s.defenderTerritory)
	delete(r.byAttacker, s.attackerTerritory)
	// Территории заняты до конца очистки.
	r.reserved[s.defenderTerritory] = struct{}{}
	r.reserved[s.attackerTerritory] = struct{}{}
	r.mu.Unlock()

	restoreFailed := false
	defer func() {
		if restoreFailed {
			r.release(s.attackerTerritory)
			return
		}
		r.release(s.attackerTerritory, s.defenderTerritory)
	}()

	now := r.sched.Now()
	if err := s.end(outcome, now); err != nil {
		// Не должно случиться: осада уже изъята из реестра.
		slog.Warn("siege: end transition rejected", "siege_id", id, "error", err)
	}

	if err := r.protection.Restore(ctx, s.defenderTerritory); err != nil {
		slog.Error("siege: protection restore failed",
			"siege_id", id, "defender", s.defenderTerritory, "retry_in", restoreRetryBase, "error", err)
		restoreFailed = true
		r.scheduleRestore(s.defenderTerritory, restoreRetryBase)
	}

	if outcome == StateSuccessful {
		paid, err := r.rewards.Distribute(ctx, s.defenderTerritory, s.attackers, r.cfg.LootPercentage)
		if err != nil {
			slog.Error("siege: loot distribution failed",
				"siege_id", id, "defender", s.defenderTerritory, "error", err)
		}
		s.setPaid(paid)
	}

	cd := r.cooldowns.Set(s.attackerTerritory, s.defenderTerritory, r.cfg.Cooldown)
	r.markers.remove(s.defenderTerritory)
	r.persist(ctx, s, cd)

	slog.Info("siege ended",
		"siege_id", id,
		"attacker", s.attackerTerritory,
		"defender", s.defenderTerritory,
		"outcome", outcome,
		"paid", s.Paid(),
		"duration", now.Sub(s.StartedAt()).Round(time.Second))

	r.notifier.Notify(Event{
		Kind:              EventSiegeEnded,
		SiegeID:           id,
		AttackerTerritory: s.attackerTerritory,
		DefenderTerritory: s.defenderTerritory,
		Outcome:           outcome,
		Paid:              s.Paid(),
		At:                now,
	})
	return nil
}

// CancelSiege ends the siege against defender without payout.
func (r *Registry) CancelSiege(ctx context.Context, defender TerritoryID) error {
	s, ok := r.Active(defender)
	if !ok {
		return fmt.Errorf("cancel siege on %s: %w", defender, ErrSiegeNotFound)
	}
	return r.EndSiege(ctx, s.ID(), StateCancelled)
}

// Shutdown cancels every running siege so no territory stays unprotected.
// Pending protection restores get one last synchronous attempt.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, s := range r.Sieges() {
		if err := r.EndSiege(ctx, s.ID(), StateCancelled); err != nil {
			slog.Warn("siege: cancel on shutdown", "siege_id", s.ID(), "error", err)
		}
	}

	r.mu.Lock()
	pending := make(map[TerritoryID]func(), len(r.restoring))
	for t, cancel := range r.restoring {
		pending[t] = cancel
		delete(r.restoring, t)
	}
	r.mu.Unlock()

	for territory, cancel := range pending {
		cancel()
		if err := r.protection.Restore(ctx, territory); err != nil {
			slog.Error("siege: protection left overridden on shutdown", "defender", territory, "error", err)
			continue
		}
		r.release(territory)
	}
}

// Restoring returns true if territory waits for its protection to be restored.
func (r *Registry) Restoring(territory TerritoryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.restoring[territory]
	return ok
}

// --- marker listener entry points ---

// OnAttackMarkerPlaced records the attack marker placed by placer inside
// defenderTerritory and starts a siege with the attacker territory's members.
func (r *Registry) OnAttackMarkerPlaced(ctx context.Context, attackerTerritory, defenderTerritory TerritoryID, placer ActorID, loc Location) error {
	now := r.sched.Now()
	if !r.markers.allow(placer, now) {
		return fmt.Errorf("placer %s: %w", placer, ErrMarkerRateLimited)
	}
	// Маркер активной осады не перезаписываем.
	if r.IsBusy(defenderTerritory) {
		return &ValidationError{Reason: ReasonDefenderBusy}
	}

	marker := AttackMarker{
		AttackerTerritory: attackerTerritory,
		Placer:            placer,
		Location:          loc,
		PlacedAt:          now,
	}
	r.markers.place(defenderTerritory, marker)

	attackers := r.directory.MembersOf(attackerTerritory)
	if _, err := r.StartSiege(ctx, attackers, attackerTerritory, defenderTerritory); err != nil {
		// Проигравший гонку маркер не трогает маркер победителя.
		if !r.IsBusy(defenderTerritory) {
			r.markers.removeIf(defenderTerritory, marker)
		}
		return err
	}
	return nil
}

// OnDefenseMarkerDestroyed drives the siege against defenderTerritory into the loot phase.
func (r *Registry) OnDefenseMarkerDestroyed(ctx context.Context, defenderTerritory TerritoryID) error {
	return r.OnMarkerCaptured(ctx, defenderTerritory)
}

// --- internals ---

func (r *Registry) reserve(attacker, defender TerritoryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attacker == defender {
		return &ValidationError{Reason: ReasonSameTerritory}
	}
	if r.busyLocked(defender) {
		return &ValidationError{Reason: ReasonDefenderBusy}
	}
	if r.busyLocked(attacker) {
		return &ValidationError{Reason: ReasonAttackerBusy}
	}
	r.reserved[attacker] = struct{}{}
	r.reserved[defender] = struct{}{}
	return nil
}

func (r *Registry) release(territories ...TerritoryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range territories {
		delete(r.reserved, t)
	}
}

// scheduleRestore retries the protection restore of defender with exponential
// backoff. The territory stays reserved until the restore succeeds.
func (r *Registry) scheduleRestore(defender TerritoryID, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoring[defender] = r.sched.After(delay, func() {
		r.retryRestore(defender, delay)
	})
}

func (r *Registry) retryRestore(defender TerritoryID, delay time.Duration) {
	r.mu.Lock()
	_, ok := r.restoring[defender]
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.protection.Restore(context.Background(), defender); err != nil {
		next := min(delay*2, restoreRetryMax)
		slog.Warn("siege: protection restore retry failed",
			"defender", defender, "retry_in", next, "error", err)
		r.scheduleRestore(defender, next)
		return
	}

	r.mu.Lock()
	delete(r.restoring, defender)
	delete(r.reserved, defender)
	r.mu.Unlock()
	slog.Info("siege: protection restored after retry", "defender", defender)
}

// charge withdraws the siege cost from the attacker territory's bank.
func (r *Registry) charge(ctx context.Context, attacker TerritoryID) error {
	if r.cfg.SiegeCost <= 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.validator.timeout())
	defer cancel()
	err := r.economy.Withdraw(cctx, TerritoryAccount(attacker), r.cfg.Currency, r.cfg.SiegeCost)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientFunds):
		return &ValidationError{Reason: ReasonInsufficientFunds}
	default:
		return backendErr(fmt.Sprintf("charging siege cost to %s", attacker), err)
	}
}

// onPhaseTimeout runs on the scheduler when the phase a timer was armed for runs out.
func (r *Registry) onPhaseTimeout(id string, phase State) {
	s, ok := r.Siege(id)
	if !ok {
		return
	}
	if st := s.State(); st != phase {
		slog.Debug("siege: stale phase timer ignored", "siege_id", id, "armed_for", phase, "state", st)
		return
	}

	outcome := StateDefended
	if phase == StateLootPhase {
		outcome = StateSuccessful
	}
	if err := r.EndSiege(context.Background(), id, outcome); err != nil {
		slog.Warn("siege: phase timeout", "siege_id", id, "outcome", outcome, "error", err)
	}
}

func (r *Registry) persist(ctx context.Context, s *Siege, cd CooldownEntry) {
	timeout := r.validator.timeout()
	if r.cooldownDB != nil {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		if err := r.cooldownDB.SaveCooldown(cctx, cd); err != nil {
			slog.Warn("siege: persisting cooldown", "a", cd.A, "b", cd.B, "error", err)
		}
		cancel()
	}
	if r.history != nil {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		if err := r.history.RecordSiege(cctx, s); err != nil {
			slog.Warn("siege: recording history", "siege_id", s.ID(), "error", err)
		}
		cancel()
	}
}
