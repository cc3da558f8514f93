package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("MAINTENANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAINTENANCE_TEST_POSTGRES_DSN not set")
	}
	store, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.pool.Exec(ctx, `DELETE FROM maintenance_backends`)
	require.NoError(t, err)
	require.NoError(t, store.SetGlobal(ctx, false))

	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgres_SetAndLoad(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, store.SetGlobal(ctx, true))
	require.NoError(t, store.SetBackend(ctx, "survival", true))
	require.NoError(t, store.SetBackend(ctx, "survival", true))

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.Global)
	assert.Equal(t, []string{"survival"}, st.Backends)

	require.NoError(t, store.SetBackend(ctx, "survival", false))
	st, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Backends)
}

func TestPostgres_ConcurrentOpen(t *testing.T) {
	dsn := os.Getenv("MAINTENANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAINTENANCE_TEST_POSTGRES_DSN not set")
	}

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			store, err := OpenPostgres(context.Background(), dsn)
			if err == nil {
				store.Close()
			}
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-errs)
	}
}
