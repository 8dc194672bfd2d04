package kvstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("MissingKeyIsEmpty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.GetHash(context.Background(), "nope:1")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("SetReplacesRecord", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SetHash(ctx, "rec:1", map[string]string{"a": "1", "b": "2"}))
		require.NoError(t, s.SetHash(ctx, "rec:1", map[string]string{"a": "3"}))

		got, err := s.GetHash(ctx, "rec:1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "3"}, got)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SetHash(ctx, "rec:2", map[string]string{"a": "1"}))
		require.NoError(t, s.Delete(ctx, "rec:2"))

		got, err := s.GetHash(ctx, "rec:2")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("UpdateSeesOwnWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.Update(ctx, func(tx Txn) error {
			tx.SetHash("rec:3", map[string]string{"v": "x"})
			got, err := tx.GetHash("rec:3")
			if err != nil {
				return err
			}
			if got["v"] != "x" {
				t.Errorf("expected buffered write to be visible, got %v", got)
			}
			tx.Delete("rec:3")
			got, err = tx.GetHash("rec:3")
			if err != nil {
				return err
			}
			if len(got) != 0 {
				t.Errorf("expected buffered delete to be visible, got %v", got)
			}
			tx.SetHash("rec:3", map[string]string{"v": "final"})
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetHash(ctx, "rec:3")
		require.NoError(t, err)
		assert.Equal(t, "final", got["v"])
	})

	t.Run("UpdateErrorDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx Txn) error {
			tx.SetHash("rec:4", map[string]string{"v": "1"})
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetHash(ctx, "rec:4")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ConcurrentIncrementsAreSerialized", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const workers = 20

		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				for {
					err := s.Update(ctx, func(tx Txn) error {
						rec, err := tx.GetHash("counter:1")
						if err != nil {
							return err
						}
						n, _ := strconv.Atoi(rec["n"])
						tx.SetHash("counter:1", map[string]string{"n": strconv.Itoa(n + 1)})
						return nil
					})
					if errors.Is(err, ErrConflict) {
						continue
					}
					if err != nil {
						t.Errorf("update failed: %v", err)
					}
					return
				}
			}()
		}
		wg.Wait()

		got, err := s.GetHash(ctx, "counter:1")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers), got["n"], "lost update: increments were not atomic")
	})

	t.Run("MultiKeyCommitIsAtomic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.Update(ctx, func(tx Txn) error {
			tx.SetHash("pair:a", map[string]string{"v": "1"})
			tx.SetHash("pair:b", map[string]string{"v": "1"})
			return nil
		})
		require.NoError(t, err)

		a, _ := s.GetHash(ctx, "pair:a")
		b, _ := s.GetHash(ctx, "pair:b")
		assert.Equal(t, "1", a["v"])
		assert.Equal(t, "1", b["v"])
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_Expire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.SetHash(ctx, "ttl:1", map[string]string{"a": "1"}))
	require.NoError(t, s.Expire(ctx, "ttl:1", time.Minute))

	got, _ := s.GetHash(ctx, "ttl:1")
	assert.Equal(t, "1", got["a"])

	now = now.Add(time.Minute)
	got, _ = s.GetHash(ctx, "ttl:1")
	assert.Empty(t, got)
}

func TestMemoryStore_ConflictDetectedAcrossDeleteAndRecreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SetHash(ctx, "k:1", map[string]string{"v": "1"}))

	attempts := 0
	err := s.Update(ctx, func(tx Txn) error {
		attempts++
		if _, err := tx.GetHash("k:1"); err != nil {
			return err
		}
		if attempts == 1 {
			// Another writer deletes and recreates the key with the same content.
			_ = s.Delete(ctx, "k:1")
			_ = s.SetHash(ctx, "k:1", map[string]string{"v": "1"})
		}
		tx.SetHash("k:1", map[string]string{"v": "2"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "first attempt should have been rejected")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "recovery_request:rr_1", Key("recovery_request", "rr_1"))
	assert.Equal(t, "guardian_challenge:0xa:0xb", Key("guardian_challenge", "0xa", "0xb"))
}

func TestRecordAccessors(t *testing.T) {
	r := Record{}
	ts := time.Unix(1_700_000_123, 0).UTC()
	r.SetTime("at", ts)
	r.SetSeconds("delay", 90*time.Minute)
	r.SetBool("on", true)
	r.SetUint("counter", 7)

	got, err := r.Time("at")
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	d, err := r.Seconds("delay")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	on, _ := r.Bool("on")
	assert.True(t, on)

	c, _ := r.Uint("counter")
	assert.Equal(t, uint64(7), c)

	r.SetTime("at", time.Time{})
	_, present := r["at"]
	assert.False(t, present)

	r["bad"] = "x"
	_, err = r.Int("bad")
	assert.Error(t, err)
}
