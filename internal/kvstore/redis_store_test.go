package kvstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return NewRedisStore(client), server
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, _ := newTestRedis(t)
		return s
	})
}

func TestRedisStore_Expire(t *testing.T) {
	s, server := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.SetHash(ctx, "ttl:1", map[string]string{"a": "1"}))
	require.NoError(t, s.Expire(ctx, "ttl:1", time.Hour))

	remaining := server.TTL("ttl:1")
	if remaining <= 0 || remaining > time.Hour {
		t.Fatalf("expected ttl within (0, 1h], got %v", remaining)
	}

	server.FastForward(time.Hour)
	got, err := s.GetHash(ctx, "ttl:1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStore_ExpireInsideUpdate(t *testing.T) {
	s, server := newTestRedis(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx Txn) error {
		tx.SetHash("ttl:2", map[string]string{"a": "1"})
		tx.Expire("ttl:2", 10*time.Minute)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, server.TTL("ttl:2"))
}

func TestRedisStore_WatchedKeyChangeForcesRetry(t *testing.T) {
	s, server := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, s.SetHash(ctx, "k:1", map[string]string{"v": "1"}))

	attempts := 0
	err := s.Update(ctx, func(tx Txn) error {
		attempts++
		rec, err := tx.GetHash("k:1")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Concurrent writer outside the transaction.
			server.HSet("k:1", "v", "changed")
		}
		tx.SetHash("k:1", map[string]string{"v": rec["v"] + "+"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, _ := s.GetHash(ctx, "k:1")
	assert.Equal(t, "changed+", got["v"])
}

func TestRedisStore_Ping(t *testing.T) {
	s, server := newTestRedis(t)
	require.NoError(t, s.Ping(context.Background()))

	server.Close()
	assert.Error(t, s.Ping(context.Background()))
}
