package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()

	// TestMain уже применил миграции, повторный запуск ничего не меняет
	require.NoError(t, RunMigrations(ctx, testDSN))

	v, err := SchemaVersion(ctx, testDSN)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}
