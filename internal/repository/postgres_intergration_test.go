//go:build integration

package repository_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-bridge/internal/repository"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, repository.CreateLocalStorageTableSQL)
	require.NoError(t, err)

	store := repository.Namespace(repository.NewPostgresStore(pool), "it:"+time.Now().Format(time.RFC3339Nano))

	_, ok, err := store.Get(ctx, repository.KeySessionID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, repository.KeySessionID, "sess_1"))
	require.NoError(t, store.Set(ctx, repository.KeySessionID, "sess_2"))
	v, ok, err := store.Get(ctx, repository.KeySessionID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sess_2", v)

	require.NoError(t, store.Delete(ctx, repository.KeySessionID))
	_, ok, err = store.Get(ctx, repository.KeySessionID)
	require.NoError(t, err)
	require.False(t, ok)
}
