package guardians

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
	"github.com/mbd888/guardian/internal/validation"
)

// IneligibleHook runs inside the transaction that removes or suspends a
// guardian. Returning an error aborts the change.
type IneligibleHook func(tx kvstore.Txn, account, guardian string) error

// Registry manages guardians for all accounts.
type Registry struct {
	store        kvstore.Store
	now          func() time.Time
	hooks        []IneligibleHook
	challengeTTL time.Duration
	maxAttempts  int
}

// NewRegistry creates a guardian registry over store.
func NewRegistry(store kvstore.Store) *Registry {
	return &Registry{
		store:        store,
		now:          time.Now,
		challengeTTL: DefaultChallengeTTL,
		maxAttempts:  DefaultMaxAttempts,
	}
}

// WithClock overrides the clock, used in tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	if now != nil {
		r.now = now
	}
	return r
}

// OnIneligible registers a hook run whenever a guardian stops being an
// eligible signer. Hooks run in registration order.
func (r *Registry) OnIneligible(h IneligibleHook) {
	r.hooks = append(r.hooks, h)
}

// Setup returns a snapshot of account's guardian setup.
func (r *Registry) Setup(ctx context.Context, account string) (*Setup, error) {
	fields, err := r.store.GetHash(ctx, Key(account))
	if err != nil {
		return nil, fmt.Errorf("load guardian setup: %w", err)
	}
	return decodeSetup(account, fields)
}

// ListGuardians returns account's guardians with the active projection
// applied.
func (r *Registry) ListGuardians(ctx context.Context, account string) ([]Guardian, error) {
	var out []Guardian
	err := r.store.Update(ctx, func(tx kvstore.Txn) error {
		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		p, err := policy.Load(tx, account)
		if err != nil {
			return err
		}
		out = setup.Project(p)
		return nil
	})
	return out, err
}

// Owner returns the account owner, or "" if none is registered.
func (r *Registry) Owner(ctx context.Context, account string) (string, error) {
	setup, err := r.Setup(ctx, account)
	if err != nil {
		return "", err
	}
	return setup.Owner, nil
}

// SetOwner records the account owner.
func (r *Registry) SetOwner(ctx context.Context, account, owner string) error {
	owner, err := validation.NormalizeAddress(owner)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, func(tx kvstore.Txn) error {
		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		if _, ok := setup.Get(owner); ok {
			return apperr.Invalidf("owner %s is registered as a guardian", owner)
		}
		setup.Owner = owner
		return SaveSetup(tx, setup)
	})
}

// AddGuardian registers a new pending guardian and issues its verification
// challenge.
func (r *Registry) AddGuardian(ctx context.Context, account string, g Guardian) (*Challenge, error) {
	address, err := validation.NormalizeAddress(g.Address)
	if err != nil {
		return nil, err
	}
	if !g.Method.Valid() {
		return nil, apperr.Invalidf("unsupported verification method %q", g.Method)
	}
	if validation.SameAddress(address, account) {
		return nil, apperr.Invalidf("an account cannot guard itself")
	}

	now := r.now()
	prepared, err := prepareChallenge(account, address, g.Method, now, r.challengeTTL)
	if err != nil {
		return nil, err
	}

	err = r.store.Update(ctx, func(tx kvstore.Txn) error {
		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		if _, exists := setup.Get(address); exists {
			return apperr.Wrap(apperr.ErrAlreadyExists, "guardian "+address+" is already registered")
		}
		if setup.IsOwner(address) {
			return apperr.Invalidf("the owner cannot be a guardian")
		}
		p, err := policy.Load(tx, account)
		if err != nil {
			return err
		}
		if setup.Count() >= p.MaxGuardians {
			return apperr.Wrap(apperr.ErrLimitExceeded, fmt.Sprintf("account already has the maximum of %d guardians", p.MaxGuardians))
		}

		setup.put(&Guardian{
			Address:      address,
			Nickname:     validation.SanitizeString(g.Nickname, validation.MaxLabelLength),
			Relationship: validation.SanitizeString(g.Relationship, validation.MaxLabelLength),
			Method:       g.Method,
			Status:       StatusPending,
			AddedAt:      now,
			LastActivity: now,
		})
		if err := SaveSetup(tx, setup); err != nil {
			return err
		}
		prepared.save(tx, r.challengeTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c := prepared.challenge
	return &c, nil
}

// ReissueChallenge replaces a pending guardian's challenge, resetting its
// attempts and expiry.
func (r *Registry) ReissueChallenge(ctx context.Context, account, address string) (*Challenge, error) {
	address, err := validation.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	setup, err := r.Setup(ctx, account)
	if err != nil {
		return nil, err
	}
	g, ok := setup.Get(address)
	if !ok {
		return nil, apperr.NotFoundf("guardian %s not found", address)
	}

	prepared, err := prepareChallenge(account, address, g.Method, r.now(), r.challengeTTL)
	if err != nil {
		return nil, err
	}
	err = r.store.Update(ctx, func(tx kvstore.Txn) error {
		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		g, ok := setup.Get(address)
		if !ok {
			return apperr.NotFoundf("guardian %s not found", address)
		}
		if g.Status != StatusPending {
			return apperr.Wrap(apperr.ErrAlreadyExists, "guardian "+address+" is already verified")
		}
		prepared.save(tx, r.challengeTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c := prepared.challenge
	return &c, nil
}

// VerifyGuardian checks a pending guardian's answer to its challenge: the
// one-time code for email and phone_sms, or a signature over the challenge
// message for wallet_signature. A wrong answer counts against the attempt
// limit; once the limit is reached or the challenge expired every answer is
// rejected until a new challenge is issued.
func (r *Registry) VerifyGuardian(ctx context.Context, account, address, response string) (*Guardian, error) {
	address, err := validation.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	var (
		verified *Guardian
		outcome  error
	)
	err = r.store.Update(ctx, func(tx kvstore.Txn) error {
		verified, outcome = nil, nil
		now := r.now()

		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		g, ok := setup.Get(address)
		if !ok {
			return apperr.NotFoundf("guardian %s not found", address)
		}
		switch g.Status {
		case StatusVerified, StatusActive:
			cp := *g
			verified = &cp
			return nil
		case StatusSuspended:
			return apperr.Wrap(apperr.ErrNotPending, "guardian "+address+" is suspended")
		}

		key := ChallengeKey(account, address)
		fields, err := tx.GetHash(key)
		if err != nil {
			return fmt.Errorf("load challenge: %w", err)
		}
		rec := kvstore.Record(fields)
		if len(rec) == 0 {
			return apperr.Wrap(apperr.ErrCodeMismatch, "no active verification challenge; request a new one")
		}
		attempts, err := rec.Int(fieldAttempts)
		if err != nil {
			return err
		}
		if int(attempts) >= r.maxAttempts {
			return apperr.Wrap(apperr.ErrCodeMismatch, "too many failed attempts; request a new challenge")
		}

		ok, err = checkResponse(rec, address, response)
		if err != nil {
			return err
		}
		if !ok {
			// Persist the failed attempt, keeping the original expiry.
			issuedAt, err := rec.Time(fieldIssuedAt)
			if err != nil {
				return err
			}
			rec.SetInt(fieldAttempts, attempts+1)
			tx.SetHash(key, rec)
			if remaining := issuedAt.Add(r.challengeTTL).Sub(now); remaining > 0 {
				tx.Expire(key, remaining)
			} else {
				tx.Delete(key)
			}
			outcome = apperr.ErrCodeMismatch
			return nil
		}

		g.Status = StatusVerified
		g.LastActivity = now
		if err := SaveSetup(tx, setup); err != nil {
			return err
		}
		tx.Delete(key)
		cp := *g
		verified = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return verified, nil
}

// IsEligibleSigner reports whether address is a verified guardian of account.
func (r *Registry) IsEligibleSigner(ctx context.Context, account, address string) (bool, error) {
	setup, err := r.Setup(ctx, account)
	if err != nil {
		return false, err
	}
	return setup.IsEligible(address), nil
}

// RemoveGuardian deletes a guardian. Pending and suspended guardians can
// always be removed; removing a verified guardian fails with
// ErrMinimumViolation when fewer than MinGuardians verified guardians would
// remain. Ineligibility hooks run in the same transaction, so an approval
// the guardian gave is stripped atomically with its removal.
func (r *Registry) RemoveGuardian(ctx context.Context, account, address string) error {
	address, err := validation.NormalizeAddress(address)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, func(tx kvstore.Txn) error {
		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		g, ok := setup.Get(address)
		if !ok {
			return apperr.NotFoundf("guardian %s not found", address)
		}
		if g.Eligible() {
			p, err := policy.Load(tx, account)
			if err != nil {
				return err
			}
			if setup.EligibleCount()-1 < p.MinGuardians {
				return apperr.Wrap(apperr.ErrMinimumViolation,
					fmt.Sprintf("removing %s would leave fewer than %d verified guardians", address, p.MinGuardians))
			}
		}
		if err := r.runHooks(tx, account, address); err != nil {
			return err
		}
		setup.remove(address)
		if err := SaveSetup(tx, setup); err != nil {
			return err
		}
		tx.Delete(ChallengeKey(account, address))
		return nil
	})
}

// SuspendGuardian makes a verified guardian ineligible without removing it.
func (r *Registry) SuspendGuardian(ctx context.Context, account, address string) error {
	address, err := validation.NormalizeAddress(address)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, func(tx kvstore.Txn) error {
		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		g, ok := setup.Get(address)
		if !ok {
			return apperr.NotFoundf("guardian %s not found", address)
		}
		if !g.Eligible() {
			return apperr.Wrap(apperr.ErrNotPending, "only verified guardians can be suspended")
		}
		if err := r.runHooks(tx, account, address); err != nil {
			return err
		}
		g.Status = StatusSuspended
		g.LastActivity = r.now()
		return SaveSetup(tx, setup)
	})
}

// ReinstateGuardian returns a suspended guardian to verified.
func (r *Registry) ReinstateGuardian(ctx context.Context, account, address string) error {
	address, err := validation.NormalizeAddress(address)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, func(tx kvstore.Txn) error {
		setup, err := LoadSetup(tx, account)
		if err != nil {
			return err
		}
		g, ok := setup.Get(address)
		if !ok {
			return apperr.NotFoundf("guardian %s not found", address)
		}
		if g.Status != StatusSuspended {
			return apperr.Wrap(apperr.ErrNotPending, "guardian "+address+" is not suspended")
		}
		g.Status = StatusVerified
		g.LastActivity = r.now()
		return SaveSetup(tx, setup)
	})
}

func (r *Registry) runHooks(tx kvstore.Txn, account, address string) error {
	for _, h := range r.hooks {
		if err := h(tx, account, address); err != nil {
			return err
		}
	}
	return nil
}
