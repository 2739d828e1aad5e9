package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/citysiege/internal/siege"
)

// SiegeRow is a finished siege from siege_history.
type SiegeRow struct {
	SiegeID           string
	AttackerTerritory string
	DefenderTerritory string
	Attackers         []string
	Outcome           string
	StartedAt         time.Time
	LootStartedAt     *time.Time
	EndedAt           time.Time
	Paid              float64
}

// SiegeRepository records finished sieges. Implements siege.HistoryStore.
type SiegeRepository struct {
	pool *pgxpool.Pool
}

// NewSiegeRepository creates a new SiegeRepository.
func NewSiegeRepository(pool *pgxpool.Pool) *SiegeRepository {
	return &SiegeRepository{pool: pool}
}

// RecordSiege stores a finished siege. Recording the same siege twice is a no-op.
func (r *SiegeRepository) RecordSiege(ctx context.Context, s *siege.Siege) error {
	attackers := make([]string, 0, len(s.Attackers()))
	for _, a := range s.Attackers() {
		attackers = append(attackers, string(a))
	}
	var lootStarted *time.Time
	if t := s.LootStartedAt(); !t.IsZero() {
		lootStarted = &t
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO siege_history
		   (siege_id, attacker_territory, defender_territory, attackers, outcome,
		    started_at, loot_started_at, ended_at, paid)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (siege_id) DO NOTHING`,
		s.ID(), string(s.AttackerTerritory()), string(s.DefenderTerritory()), attackers,
		s.State().String(), s.StartedAt(), lootStarted, s.EndedAt(), s.Paid())
	if err != nil {
		return fmt.Errorf("insert siege_history %s: %w", s.ID(), err)
	}
	return nil
}

// RecentByTerritory returns the latest finished sieges where territory attacked or defended.
func (r *SiegeRepository) RecentByTerritory(ctx context.Context, territory siege.TerritoryID, limit int) ([]SiegeRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx,
		`SELECT siege_id::text, attacker_territory, defender_territory, attackers, outcome,
		        started_at, loot_started_at, ended_at, paid
		 FROM siege_history
		 WHERE attacker_territory = $1 OR defender_territory = $1
		 ORDER BY ended_at DESC
		 LIMIT $2`,
		string(territory), limit)
	if err != nil {
		return nil, fmt.Errorf("query siege_history %s: %w", territory, err)
	}
	defer rows.Close()

	var result []SiegeRow
	for rows.Next() {
		var row SiegeRow
		if err := rows.Scan(
			&row.SiegeID, &row.AttackerTerritory, &row.DefenderTerritory, &row.Attackers, &row.Outcome,
			&row.StartedAt, &row.LootStartedAt, &row.EndedAt, &row.Paid,
		); err != nil {
			return nil, fmt.Errorf("scan siege_history: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
