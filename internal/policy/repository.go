package policy

import (
	"context"
	"fmt"

	"github.com/mbd888/guardian/internal/kvstore"
)

// Namespace is the key prefix of stored policies.
const Namespace = "recovery_policy"

const (
	fieldMinGuardians    = "min_guardians"
	fieldThreshold       = "threshold"
	fieldMaxGuardians    = "max_guardians"
	fieldRecoveryDelay   = "recovery_delay"
	fieldCancelWindow    = "cancel_window"
	fieldCooldownPeriod  = "cooldown_period"
	fieldPasskeysEnabled = "passkeys_enabled"
	fieldMaxPasskeys     = "max_passkeys"
)

// Key returns the storage key of account's policy.
func Key(account string) string {
	return kvstore.Key(Namespace, account)
}

// Encode serializes p as a flat record. Durations are whole seconds.
func Encode(p Policy) map[string]string {
	r := kvstore.Record{}
	r.SetInt(fieldMinGuardians, int64(p.MinGuardians))
	r.SetInt(fieldThreshold, int64(p.Threshold))
	r.SetInt(fieldMaxGuardians, int64(p.MaxGuardians))
	r.SetSeconds(fieldRecoveryDelay, p.RecoveryDelay)
	r.SetSeconds(fieldCancelWindow, p.CancelWindow)
	r.SetSeconds(fieldCooldownPeriod, p.CooldownPeriod)
	r.SetBool(fieldPasskeysEnabled, p.PasskeysEnabled)
	r.SetInt(fieldMaxPasskeys, int64(p.MaxPasskeys))
	return r
}

// Decode parses a stored record. An empty record yields Default().
func Decode(fields map[string]string) (Policy, error) {
	if len(fields) == 0 {
		return Default(), nil
	}
	r := kvstore.Record(fields)
	var (
		p   Policy
		err error
		n   int64
	)
	ints := []struct {
		field string
		dst   *int
	}{
		{fieldMinGuardians, &p.MinGuardians},
		{fieldThreshold, &p.Threshold},
		{fieldMaxGuardians, &p.MaxGuardians},
		{fieldMaxPasskeys, &p.MaxPasskeys},
	}
	for _, f := range ints {
		if n, err = r.Int(f.field); err != nil {
			return Policy{}, fmt.Errorf("decode policy: %w", err)
		}
		*f.dst = int(n)
	}
	if p.RecoveryDelay, err = r.Seconds(fieldRecoveryDelay); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if p.CancelWindow, err = r.Seconds(fieldCancelWindow); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if p.CooldownPeriod, err = r.Seconds(fieldCooldownPeriod); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if p.PasskeysEnabled, err = r.Bool(fieldPasskeysEnabled); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}

// Repository reads and writes account policies.
type Repository struct {
	store kvstore.Store
}

// NewRepository creates a policy repository over store.
func NewRepository(store kvstore.Store) *Repository {
	return &Repository{store: store}
}

// Get returns account's policy, or Default() if none is stored.
func (r *Repository) Get(ctx context.Context, account string) (Policy, error) {
	fields, err := r.store.GetHash(ctx, Key(account))
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}
	return Decode(fields)
}

// Set validates p and stores it.
func (r *Repository) Set(ctx context.Context, account string, p Policy) error {
	if err := Check(p); err != nil {
		return err
	}
	return r.store.Update(ctx, func(tx kvstore.Txn) error {
		Save(tx, account, p)
		return nil
	})
}

// Load reads account's policy inside a transaction.
func Load(tx kvstore.Txn, account string) (Policy, error) {
	fields, err := tx.GetHash(Key(account))
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}
	return Decode(fields)
}

// Save buffers a write of p inside a transaction. Callers validate first.
func Save(tx kvstore.Txn, account string, p Policy) {
	tx.SetHash(Key(account), Encode(p))
}
