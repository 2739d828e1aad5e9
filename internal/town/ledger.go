package town

import (
	"context"
	"fmt"
	"sync"

	"github.com/udisondev/citysiege/internal/siege"
)

type ledgerKey struct {
	account  siege.AccountID
	currency string
}

// Ledger is an in-memory siege.Economy for local runs and tests.
// Thread-safe: protected by mu.
type Ledger struct {
	mu       sync.Mutex
	balances map[ledgerKey]float64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[ledgerKey]float64, 32)}
}

// SetBalance overwrites the balance of account.
func (l *Ledger) SetBalance(account siege.AccountID, currency string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ledgerKey{account, currency}] = amount
}

// Balance implements siege.Economy.
func (l *Ledger) Balance(_ context.Context, account siege.AccountID, currency string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ledgerKey{account, currency}], nil
}

// Withdraw implements siege.Economy.
func (l *Ledger) Withdraw(_ context.Context, account siege.AccountID, currency string, amount float64) error {
	if !(amount > 0) {
		return fmt.Errorf("withdraw %v: invalid amount", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey{account, currency}
	if l.balances[key] < amount {
		return fmt.Errorf("withdraw %.2f from %s: %w", amount, account, siege.ErrInsufficientFunds)
	}
	l.balances[key] -= amount
	return nil
}

// Deposit implements siege.Economy.
func (l *Ledger) Deposit(_ context.Context, account siege.AccountID, currency string, amount float64) error {
	if !(amount > 0) {
		return fmt.Errorf("deposit %v: invalid amount", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ledgerKey{account, currency}] += amount
	return nil
}
