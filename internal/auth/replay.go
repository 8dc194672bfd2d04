package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/kvstore"
)

// ReplayNamespace is the key prefix of seen request signatures.
const ReplayNamespace = "auth_seen"

// ReplayGuard remembers request signatures in the kvstore so a captured
// request cannot be replayed, across every process sharing the store.
type ReplayGuard struct {
	store kvstore.Store
}

// NewReplayGuard creates a guard over store.
func NewReplayGuard(store kvstore.Store) *ReplayGuard {
	return &ReplayGuard{store: store}
}

// Claim records signature for ttl, failing with ErrReplayed if it was
// already recorded.
func (g *ReplayGuard) Claim(ctx context.Context, signature string, ttl time.Duration) error {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimPrefix(signature, "0x"))))
	key := kvstore.Key(ReplayNamespace, hex.EncodeToString(sum[:]))

	var replayed bool
	err := g.store.Update(ctx, func(tx kvstore.Txn) error {
		replayed = false
		fields, err := tx.GetHash(key)
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			replayed = true
			return nil
		}
		tx.SetHash(key, map[string]string{"seen": "1"})
		tx.Expire(key, ttl)
		return nil
	})
	if err != nil {
		return err
	}
	if replayed {
		return ErrReplayed
	}
	return nil
}
