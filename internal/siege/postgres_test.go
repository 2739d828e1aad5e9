package siege_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/citysiege/internal/db"
	"github.com/udisondev/citysiege/internal/siege"
	"github.com/udisondev/citysiege/internal/testutil"
)

// Полный цикл осады поверх PostgreSQL: стоимость, добыча, кулдаун и история.
func TestRegistry_PostgresBackends(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	economy := db.NewEconomyRepository(pool)
	require.NoError(t, economy.SetBalance(ctx, siege.TerritoryAccount("atk"), "coins", 5000))
	require.NoError(t, economy.SetBalance(ctx, siege.TerritoryAccount("def"), "coins", 1000))
	cooldowns := db.NewCooldownRepository(pool)
	history := db.NewSiegeRepository(pool)

	h := newHarness(t, func(_ *siege.Config, deps *siege.Deps) {
		deps.Economy = economy
		deps.Cooldowns = cooldowns
		deps.History = history
	})

	s := h.start(t)
	require.NoError(t, h.reg.OnDefenseMarkerDestroyed(ctx, "def"))
	h.sched.Advance(15 * time.Minute)
	require.Equal(t, siege.StateSuccessful, s.State())

	atk, err := economy.Balance(ctx, siege.TerritoryAccount("atk"), "coins")
	require.NoError(t, err)
	assert.InDelta(t, 4000, atk, 1e-9)
	def, err := economy.Balance(ctx, siege.TerritoryAccount("def"), "coins")
	require.NoError(t, err)
	assert.InDelta(t, 500, def, 1e-9)
	paid, err := economy.Balance(ctx, siege.ActorAccount("a2"), "coins")
	require.NoError(t, err)
	assert.InDelta(t, 125, paid, 1e-9)

	rows, err := history.RecentByTerritory(ctx, "def", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "successful", rows[0].Outcome)
	assert.InDelta(t, 375, rows[0].Paid, 1e-9)
	require.NotNil(t, rows[0].LootStartedAt)

	// Новый реестр после рестарта видит сохранённый кулдаун.
	restarted := newHarness(t, func(_ *siege.Config, deps *siege.Deps) {
		deps.Economy = economy
		deps.Cooldowns = cooldowns
	})
	restarted.sched.Advance(time.Hour)
	n, err := restarted.reg.LoadCooldowns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = restarted.reg.OnAttackMarkerPlaced(ctx, "atk", "def", "a1", attackPoint)
	assert.Equal(t, siege.ReasonCooldownActive, siege.ReasonOf(err))
}
