package town

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/citysiege/internal/siege"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w := NewWorld()
	require.NoError(t, w.AddTown(Town{
		ID:      "river",
		Name:    "Riverside",
		Owner:   "mayor",
		Members: []siege.ActorID{"smith", "baker"},
		Bounds:  Bounds{World: "overworld", MinX: -50, MinZ: -50, MaxX: 50, MaxZ: 50},
		Flags:   siege.FlagSet{siege.FlagItemUse: true},
	}))
	return w
}

func TestWorld_Directory(t *testing.T) {
	t.Parallel()
	w := newTestWorld(t)

	assert.Equal(t, []siege.ActorID{"baker", "mayor", "smith"}, w.MembersOf("river"))
	assert.Equal(t, siege.ActorID("mayor"), w.OwnerOf("river"))
	assert.Nil(t, w.MembersOf("nowhere"))

	require.NoError(t, w.AddMember("river", "miner"))
	id, ok := w.TownOf("miner")
	require.True(t, ok)
	assert.Equal(t, siege.TerritoryID("river"), id)

	assert.ErrorIs(t, w.AddTown(Town{ID: "river"}), ErrTownExists)
	assert.ErrorIs(t, w.AddMember("nowhere", "x"), ErrTownNotFound)
	assert.Equal(t, []siege.TerritoryID{"river"}, w.Towns())

	got, ok := w.Town("river")
	require.True(t, ok)
	got.Members[0] = "intruder"
	assert.NotContains(t, w.MembersOf("river"), siege.ActorID("intruder"), "Town возвращает копию")
}

func TestWorld_Presence(t *testing.T) {
	t.Parallel()
	w := newTestWorld(t)

	w.SetOnline("smith", true)
	w.SetOnline("mayor", true)
	w.SetOnline("stranger", true)
	assert.Equal(t, []siege.ActorID{"mayor", "smith"}, w.OnlineMembersOf("river"))

	w.SetOnline("smith", false)
	assert.False(t, w.IsOnline("smith"))
	assert.Equal(t, []siege.ActorID{"mayor"}, w.OnlineMembersOf("river"))
}

func TestWorld_Geometry(t *testing.T) {
	t.Parallel()
	w := newTestWorld(t)

	inside := siege.Location{World: "overworld", X: 50, Y: 200, Z: -50}
	assert.True(t, w.Contains("river", inside))
	assert.False(t, w.Contains("river", siege.Location{World: "overworld", X: 51}))
	assert.False(t, w.Contains("river", siege.Location{World: "nether"}))

	_, ok := w.DefenseMarker("river")
	assert.False(t, ok)
	require.Error(t, w.SetDefenseMarker("river", siege.Location{World: "overworld", X: 100}))
	require.NoError(t, w.SetDefenseMarker("river", inside))
	loc, ok := w.DefenseMarker("river")
	require.True(t, ok)
	assert.Equal(t, inside, loc)

	w.ClearDefenseMarker("river")
	_, ok = w.DefenseMarker("river")
	assert.False(t, ok)
}

func TestWorld_ProtectionRegion(t *testing.T) {
	t.Parallel()
	w := newTestWorld(t)
	ctx := context.Background()

	exists, err := w.RegionExists(ctx, "river")
	require.NoError(t, err)
	assert.True(t, exists)

	v, err := w.GetFlag(ctx, "river", siege.FlagItemUse)
	require.NoError(t, err)
	assert.True(t, v)
	v, err = w.GetFlag(ctx, "river", siege.FlagPvP)
	require.NoError(t, err)
	assert.False(t, v, "незаданные флаги стартуют защищёнными")

	require.NoError(t, w.SetFlag(ctx, "river", siege.FlagPvP, true))
	assert.True(t, w.Flags("river")[siege.FlagPvP])

	w.RemoveRegion("river")
	exists, err = w.RegionExists(ctx, "river")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = w.GetFlag(ctx, "river", siege.FlagPvP)
	assert.ErrorIs(t, err, siege.ErrRegionMissing)
	assert.ErrorIs(t, w.SetFlag(ctx, "nowhere", siege.FlagPvP, true), ErrTownNotFound)
}

func TestLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger()
	acc := siege.TerritoryAccount("river")
	l.SetBalance(acc, "coins", 100)

	require.NoError(t, l.Withdraw(ctx, acc, "coins", 40))
	require.ErrorIs(t, l.Withdraw(ctx, acc, "coins", 61), siege.ErrInsufficientFunds)
	require.ErrorIs(t, l.Withdraw(ctx, acc, "gems", 1), siege.ErrInsufficientFunds)
	require.Error(t, l.Withdraw(ctx, acc, "coins", -1))

	require.NoError(t, l.Deposit(ctx, acc, "coins", 10))
	b, err := l.Balance(ctx, acc, "coins")
	require.NoError(t, err)
	assert.InDelta(t, 70, b, 1e-9)
}
