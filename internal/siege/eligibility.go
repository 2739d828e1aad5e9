package siege

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Reason explains why a siege may not start.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonDefenderBusy
	ReasonAttackerBusy
	ReasonInsufficientAttackers
	ReasonAttackerIsDefenderMember
	ReasonCooldownActive
	ReasonSameTerritory
	ReasonDefendersOffline
	ReasonNoAttackMarker
	ReasonNoDefenseMarker
	ReasonInsufficientFunds
	ReasonBackendUnavailable
)

// String returns a stable reason code for user-facing messages.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "ok"
	case ReasonDefenderBusy:
		return "defender_under_siege"
	case ReasonAttackerBusy:
		return "attacker_busy"
	case ReasonInsufficientAttackers:
		return "insufficient_attackers"
	case ReasonAttackerIsDefenderMember:
		return "attacker_is_defender_member"
	case ReasonCooldownActive:
		return "cooldown_active"
	case ReasonSameTerritory:
		return "same_territory"
	case ReasonDefendersOffline:
		return "defenders_offline"
	case ReasonNoAttackMarker:
		return "no_attack_marker"
	case ReasonNoDefenseMarker:
		return "no_defense_marker"
	case ReasonInsufficientFunds:
		return "insufficient_funds"
	case ReasonBackendUnavailable:
		return "backend_unavailable"
	default:
		return "unknown"
	}
}

// siegeIndex answers whether a territory takes part in a running siege.
type siegeIndex interface {
	IsBusy(territory TerritoryID) bool
}

// markerIndex returns the attack marker recorded for a defender.
type markerIndex interface {
	AttackMarker(defender TerritoryID) (AttackMarker, bool)
}

// Validator decides whether a siege may begin. It never mutates anything.
type Validator struct {
	cfg         Config
	sieges      siegeIndex
	markers     markerIndex
	cooldowns   *Cooldowns
	presence    Presence
	directory   Directory
	territories Territories
	economy     Economy
}

// CanStart runs the eligibility checks in order and stops at the first failure.
func (v *Validator) CanStart(ctx context.Context, attackers []ActorID, attackerTerritory, defenderTerritory TerritoryID, now time.Time) (bool, Reason) {
	attackers = dedupeActors(attackers)

	if v.sieges.IsBusy(defenderTerritory) {
		return false, ReasonDefenderBusy
	}
	if v.sieges.IsBusy(attackerTerritory) {
		return false, ReasonAttackerBusy
	}

	if len(attackers) < v.cfg.MinAttackers {
		return false, ReasonInsufficientAttackers
	}
	online := 0
	for _, a := range attackers {
		if v.presence.IsOnline(a) {
			online++
		}
	}
	if online < v.cfg.MinAttackers {
		return false, ReasonInsufficientAttackers
	}

	defenders := v.directory.MembersOf(defenderTerritory)
	members := make(map[ActorID]struct{}, len(defenders))
	for _, d := range defenders {
		members[d] = struct{}{}
	}
	if owner := v.directory.OwnerOf(defenderTerritory); owner != "" {
		members[owner] = struct{}{}
	}
	for _, a := range attackers {
		if _, ok := members[a]; ok {
			return false, ReasonAttackerIsDefenderMember
		}
	}

	if v.cooldowns.IsActive(attackerTerritory, defenderTerritory, now) {
		return false, ReasonCooldownActive
	}

	if attackerTerritory == defenderTerritory {
		return false, ReasonSameTerritory
	}

	if onlineRatio(len(v.presence.OnlineMembersOf(defenderTerritory)), len(members)) < v.cfg.MinDefenderOnlineRatio {
		return false, ReasonDefendersOffline
	}

	marker, ok := v.markers.AttackMarker(defenderTerritory)
	if !ok || marker.AttackerTerritory != attackerTerritory ||
		!slices.Contains(attackers, marker.Placer) ||
		!v.territories.Contains(defenderTerritory, marker.Location) {
		return false, ReasonNoAttackMarker
	}
	if _, ok := v.territories.DefenseMarker(defenderTerritory); !ok {
		return false, ReasonNoDefenseMarker
	}

	if v.cfg.SiegeCost > 0 {
		cctx, cancel := context.WithTimeout(ctx, v.timeout())
		balance, err := v.economy.Balance(cctx, TerritoryAccount(attackerTerritory), v.cfg.Currency)
		cancel()
		if err != nil {
			slog.Warn("siege: balance check failed", "territory", attackerTerritory, "error", err)
			return false, ReasonBackendUnavailable
		}
		if balance < v.cfg.SiegeCost {
			return false, ReasonInsufficientFunds
		}
	}

	return true, ReasonNone
}

func (v *Validator) timeout() time.Duration {
	if v.cfg.BackendTimeout <= 0 {
		return DefaultBackendTimeout
	}
	return v.cfg.BackendTimeout
}

// onlineRatio returns online/total; an empty territory has ratio 0.
func onlineRatio(online, total int) float64 {
	if total <= 0 {
		return 0
	}
	if online > total {
		online = total
	}
	return float64(online) / float64(total)
}
