package siege

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Rewards pays the spoils of a successful siege out of the defender's bank.
type Rewards struct {
	economy  Economy
	presence Presence
	currency string
	timeout  time.Duration
}

// NewRewards creates a distributor paying in currency.
func NewRewards(economy Economy, presence Presence, currency string, timeout time.Duration) *Rewards {
	return &Rewards{
		economy:  economy,
		presence: presence,
		currency: currency,
		timeout:  timeout,
	}
}

// Distribute withdraws balance*percentage from the defender and splits it
// evenly across all attackers. Only attackers online at payout are paid; the
// share of an offline attacker is not handed to the others.
// Returns the sum of successful deposits.
func (r *Rewards) Distribute(ctx context.Context, defender TerritoryID, attackers []ActorID, percentage float64) (float64, error) {
	attackers = dedupeActors(attackers)
	if len(attackers) == 0 {
		return 0, nil
	}
	account := TerritoryAccount(defender)

	cctx, cancel := r.callContext(ctx)
	balance, err := r.economy.Balance(cctx, account, r.currency)
	cancel()
	if err != nil {
		return 0, backendErr(fmt.Sprintf("balance of %s", account), err)
	}

	loot := balance * percentage
	if loot <= 0 {
		return 0, nil
	}

	cctx, cancel = r.callContext(ctx)
	err = r.economy.Withdraw(cctx, account, r.currency, loot)
	cancel()
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return 0, fmt.Errorf("withdraw loot %.2f from %s: %w", loot, account, err)
		}
		return 0, backendErr(fmt.Sprintf("withdraw loot from %s", account), err)
	}

	share := loot / float64(len(attackers))
	var paid float64
	for _, actor := range attackers {
		if !r.presence.IsOnline(actor) {
			slog.Debug("siege: loot share forfeited, attacker offline",
				"defender", defender, "actor", actor, "share", share)
			continue
		}
		cctx, cancel := r.callContext(ctx)
		err := r.economy.Deposit(cctx, ActorAccount(actor), r.currency, share)
		cancel()
		if err != nil {
			slog.Warn("siege: loot deposit failed",
				"defender", defender, "actor", actor, "share", share, "error", err)
			continue
		}
		paid += share
	}

	slog.Info("siege: loot distributed",
		"defender", defender,
		"loot", loot,
		"paid", paid,
		"attackers", len(attackers))
	return paid, nil
}

func (r *Rewards) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
