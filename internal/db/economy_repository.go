package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/citysiege/internal/siege"
)

// ErrInvalidAmount is returned for zero, negative or NaN amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// EconomyRepository keeps account balances in the accounts table.
// Implements siege.Economy.
type EconomyRepository struct {
	pool *pgxpool.Pool
}

// NewEconomyRepository creates a new EconomyRepository.
func NewEconomyRepository(pool *pgxpool.Pool) *EconomyRepository {
	return &EconomyRepository{pool: pool}
}

// Balance returns the balance of account in currency; a missing account has balance 0.
func (r *EconomyRepository) Balance(ctx context.Context, account siege.AccountID, currency string) (float64, error) {
	var balance float64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1 AND currency = $2`,
		string(account), currency,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("query balance %s/%s: %w", account, currency, err)
	}
	return balance, nil
}

// Withdraw atomically takes amount from account.
// Returns siege.ErrInsufficientFunds if the balance does not cover it.
func (r *EconomyRepository) Withdraw(ctx context.Context, account siege.AccountID, currency string, amount float64) error {
	if !(amount > 0) {
		return fmt.Errorf("withdraw %v from %s: %w", amount, account, ErrInvalidAmount)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET balance = balance - $3, updated_at = now()
		 WHERE account_id = $1 AND currency = $2 AND balance >= $3`,
		string(account), currency, amount)
	if err != nil {
		return fmt.Errorf("withdraw %s/%s: %w", account, currency, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdraw %.2f from %s: %w", amount, account, siege.ErrInsufficientFunds)
	}
	return nil
}

// Deposit adds amount to account, creating it if needed.
func (r *EconomyRepository) Deposit(ctx context.Context, account siege.AccountID, currency string, amount float64) error {
	if !(amount > 0) {
		return fmt.Errorf("deposit %v to %s: %w", amount, account, ErrInvalidAmount)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (account_id, currency, balance)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, currency) DO UPDATE SET
		   balance    = accounts.balance + EXCLUDED.balance,
		   updated_at = now()`,
		string(account), currency, amount)
	if err != nil {
		return fmt.Errorf("deposit %s/%s: %w", account, currency, err)
	}
	return nil
}

// SetBalance overwrites the balance of account (seeding and admin tools).
func (r *EconomyRepository) SetBalance(ctx context.Context, account siege.AccountID, currency string, balance float64) error {
	if balance < 0 {
		return fmt.Errorf("set balance %v of %s: %w", balance, account, ErrInvalidAmount)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (account_id, currency, balance)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, currency) DO UPDATE SET
		   balance    = EXCLUDED.balance,
		   updated_at = now()`,
		string(account), currency, balance)
	if err != nil {
		return fmt.Errorf("set balance %s/%s: %w", account, currency, err)
	}
	return nil
}
