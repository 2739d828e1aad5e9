package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/citysiege/internal/siege"
)

// CooldownRepository persists siege cooldowns. Implements siege.CooldownStore.
type CooldownRepository struct {
	pool *pgxpool.Pool
}

// NewCooldownRepository creates a new CooldownRepository.
func NewCooldownRepository(pool *pgxpool.Pool) *CooldownRepository {
	return &CooldownRepository{pool: pool}
}

// SaveCooldown inserts or replaces the cooldown of a territory pair.
func (r *CooldownRepository) SaveCooldown(ctx context.Context, e siege.CooldownEntry) error {
	a, b := e.A, e.B
	if b < a {
		a, b = b, a
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO siege_cooldowns (territory_a, territory_b, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (territory_a, territory_b) DO UPDATE SET
		   expires_at = EXCLUDED.expires_at`,
		string(a), string(b), e.Expiry)
	if err != nil {
		return fmt.Errorf("upsert siege_cooldowns %s/%s: %w", a, b, err)
	}
	return nil
}

// LoadCooldowns deletes expired rows and returns the cooldowns still running at now.
func (r *CooldownRepository) LoadCooldowns(ctx context.Context, now time.Time) ([]siege.CooldownEntry, error) {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM siege_cooldowns WHERE expires_at <= $1`, now); err != nil {
		return nil, fmt.Errorf("delete expired siege_cooldowns: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT territory_a, territory_b, expires_at FROM siege_cooldowns ORDER BY territory_a, territory_b`)
	if err != nil {
		return nil, fmt.Errorf("query siege_cooldowns: %w", err)
	}
	defer rows.Close()

	var result []siege.CooldownEntry
	for rows.Next() {
		var a, b string
		var expiry time.Time
		if err := rows.Scan(&a, &b, &expiry); err != nil {
			return nil, fmt.Errorf("scan siege_cooldowns: %w", err)
		}
		result = append(result, siege.CooldownEntry{
			A:      siege.TerritoryID(a),
			B:      siege.TerritoryID(b),
			Expiry: expiry,
		})
	}
	return result, rows.Err()
}
