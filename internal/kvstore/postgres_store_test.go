package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardian/internal/testutil"
)

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestPostgresStore(t *testing.T) {
	store := newTestPostgres(t)

	runStoreSuite(t, func(t *testing.T) Store {
		if _, err := store.db.Exec(`TRUNCATE kv_hashes`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}

func TestPostgresStore_ExpireAndPurge(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, store.SetHash(ctx, "ttl:1", map[string]string{"a": "1"}))
	require.NoError(t, store.Expire(ctx, "ttl:1", time.Millisecond))
	require.NoError(t, store.SetHash(ctx, "keep:1", map[string]string{"a": "1"}))

	time.Sleep(20 * time.Millisecond)

	got, err := store.GetHash(ctx, "ttl:1")
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	kept, err := store.GetHash(ctx, "keep:1")
	require.NoError(t, err)
	assert.Equal(t, "1", kept["a"])
}

func TestPostgresStore_SetClearsTTL(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, store.SetHash(ctx, "ttl:2", map[string]string{"a": "1"}))
	require.NoError(t, store.Expire(ctx, "ttl:2", time.Millisecond))
	require.NoError(t, store.SetHash(ctx, "ttl:2", map[string]string{"a": "2"}))

	time.Sleep(20 * time.Millisecond)

	got, err := store.GetHash(ctx, "ttl:2")
	require.NoError(t, err)
	assert.Equal(t, "2", got["a"])
}
