package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/citysiege/internal/siege"
	"github.com/udisondev/citysiege/internal/town"
)

func TestCooldownRepository(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewCooldownRepository(pool)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveCooldown(ctx, siege.CooldownEntry{A: "south", B: "north", Expiry: now.Add(time.Hour)}))
	// Та же пара в обратном порядке обновляет запись.
	require.NoError(t, repo.SaveCooldown(ctx, siege.CooldownEntry{A: "north", B: "south", Expiry: now.Add(2 * time.Hour)}))
	require.NoError(t, repo.SaveCooldown(ctx, siege.CooldownEntry{A: "east", B: "west", Expiry: now.Add(-time.Minute)}))

	entries, err := repo.LoadCooldowns(ctx, now)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, siege.TerritoryID("north"), entries[0].A)
	assert.Equal(t, siege.TerritoryID("south"), entries[0].B)
	assert.True(t, entries[0].Expiry.Equal(now.Add(2*time.Hour)))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM siege_cooldowns`).Scan(&count))
	assert.Equal(t, 1, count, "истёкшие записи удалены")
}

func TestSiegeRepository(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewSiegeRepository(pool)
	ctx := context.Background()

	s := finishedSiege(t)
	require.NoError(t, repo.RecordSiege(ctx, s))
	require.NoError(t, repo.RecordSiege(ctx, s), "повторная запись: no-op")

	for _, territory := range []siege.TerritoryID{"atk", "def"} {
		rows, err := repo.RecentByTerritory(ctx, territory, 5)
		require.NoError(t, err)
		require.Len(t, rows, 1)

		row := rows[0]
		assert.Equal(t, s.ID(), row.SiegeID)
		assert.Equal(t, "atk", row.AttackerTerritory)
		assert.Equal(t, "def", row.DefenderTerritory)
		assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, row.Attackers)
		assert.Equal(t, "cancelled", row.Outcome)
		assert.Nil(t, row.LootStartedAt)
		assert.True(t, row.EndedAt.Equal(s.EndedAt()))
	}

	rows, err := repo.RecentByTerritory(ctx, "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// finishedSiege прогоняет осаду atk против def до отмены.
func finishedSiege(t *testing.T) *siege.Siege {
	t.Helper()
	ctx := context.Background()

	w := town.NewWorld()
	require.NoError(t, w.AddTown(town.Town{
		ID: "atk", Owner: "a1", Members: []siege.ActorID{"a2", "a3"},
		Bounds: town.Bounds{World: "w", MinX: 100, MinZ: 100, MaxX: 200, MaxZ: 200},
	}))
	require.NoError(t, w.AddTown(town.Town{
		ID: "def", Owner: "d1",
		Bounds: town.Bounds{World: "w", MinX: 0, MinZ: 0, MaxX: 50, MaxZ: 50},
	}))
	require.NoError(t, w.SetDefenseMarker("def", siege.Location{World: "w", X: 5, Z: 5}))
	for _, a := range []siege.ActorID{"a1", "a2", "a3", "d1"} {
		w.SetOnline(a, true)
	}

	cfg := siege.DefaultConfig()
	cfg.SiegeCost = 0
	reg, err := siege.NewRegistry(cfg, siege.Deps{
		Protection: w, Economy: town.NewLedger(), Presence: w, Directory: w, Territories: w,
		Scheduler: fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	require.NoError(t, reg.OnAttackMarkerPlaced(ctx, "atk", "def", "a1", siege.Location{World: "w", X: 10, Z: 10}))
	s, ok := reg.Active("def")
	require.True(t, ok)
	require.NoError(t, reg.CancelSiege(ctx, "def"))
	return s
}

// fixedClock: часы без хода времени; таймеры осады здесь не срабатывают.
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func (fixedClock) After(time.Duration, func()) func() { return func() {} }
