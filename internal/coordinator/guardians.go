package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/guardians"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
	"github.com/mbd888/guardian/internal/traces"
)

// Policy returns account's recovery policy, or the default when none is set.
func (s *Service) Policy(ctx context.Context, account string) (policy.Policy, error) {
	var p policy.Policy
	err := s.read(ctx, "get_policy", account, func(ctx context.Context, account string) error {
		var err error
		p, err = s.policies.Get(ctx, account)
		return err
	})
	return p, err
}

// UpdatePolicy merges u into account's policy. The result must be valid on
// its own and must allow the guardians already registered.
func (s *Service) UpdatePolicy(ctx context.Context, account string, u policy.Update) (policy.Policy, error) {
	var updated policy.Policy
	err := s.mutate(ctx, "update_policy", account, nil, func(ctx context.Context, account string) error {
		return s.store.Update(ctx, func(tx kvstore.Txn) error {
			base, err := policy.Load(tx, account)
			if err != nil {
				return err
			}
			p, violations := policy.ValidateUpdate(base, u)
			setup, err := guardians.LoadSetup(tx, account)
			if err != nil {
				return err
			}
			violations = append(violations, policy.ValidateAgainstGuardians(p, setup.Count())...)
			if len(violations) > 0 {
				return apperr.PolicyViolation(violations)
			}
			policy.Save(tx, account, p)
			updated = p
			return nil
		})
	})
	return updated, err
}

// Owner returns the registered owner of account, or "".
func (s *Service) Owner(ctx context.Context, account string) (string, error) {
	var owner string
	err := s.read(ctx, "get_owner", account, func(ctx context.Context, account string) error {
		var err error
		owner, err = s.registry.Owner(ctx, account)
		return err
	})
	return owner, err
}

// SetOwner records account's owner.
func (s *Service) SetOwner(ctx context.Context, account, owner string) error {
	return s.mutate(ctx, "set_owner", account, nil, func(ctx context.Context, account string) error {
		return s.registry.SetOwner(ctx, account, owner)
	})
}

// ListGuardians returns account's guardians.
func (s *Service) ListGuardians(ctx context.Context, account string) ([]guardians.Guardian, error) {
	var out []guardians.Guardian
	err := s.read(ctx, "list_guardians", account, func(ctx context.Context, account string) error {
		var err error
		out, err = s.registry.ListGuardians(ctx, account)
		return err
	})
	return out, err
}

// AddGuardian registers a pending guardian. The verification code, if the
// method uses one, is emitted to the notifier. The returned challenge
// still holds it; API handlers must not echo it.
func (s *Service) AddGuardian(ctx context.Context, account string, g guardians.Guardian) (*guardians.Challenge, error) {
	var challenge *guardians.Challenge
	err := s.mutate(ctx, "add_guardian", account, nil, func(ctx context.Context, account string) error {
		c, err := s.registry.AddGuardian(ctx, account, g)
		if err != nil {
			return err
		}
		s.events.EmitGuardianAdded(ctx, account, c.Guardian, string(c.Method), c.Code, c.ExpiresAt)
		challenge = c
		return nil
	})
	return challenge, err
}

// ReissueChallenge issues a fresh verification challenge to a pending
// guardian and delivers it the same way AddGuardian does.
func (s *Service) ReissueChallenge(ctx context.Context, account, address string) (*guardians.Challenge, error) {
	var challenge *guardians.Challenge
	err := s.mutate(ctx, "reissue_challenge", account, guardianAttrs(address), func(ctx context.Context, account string) error {
		c, err := s.registry.ReissueChallenge(ctx, account, address)
		if err != nil {
			return err
		}
		s.events.EmitGuardianAdded(ctx, account, c.Guardian, string(c.Method), c.Code, c.ExpiresAt)
		challenge = c
		return nil
	})
	return challenge, err
}

// VerifyGuardian answers a guardian's challenge.
func (s *Service) VerifyGuardian(ctx context.Context, account, address, response string) (*guardians.Guardian, error) {
	var verified *guardians.Guardian
	err := s.mutate(ctx, "verify_guardian", account, guardianAttrs(address), func(ctx context.Context, account string) error {
		already, err := s.registry.IsEligibleSigner(ctx, account, address)
		if err != nil {
			return err
		}
		g, err := s.registry.VerifyGuardian(ctx, account, address, response)
		if err != nil {
			return err
		}
		if !already {
			s.events.EmitGuardianVerified(ctx, account, g.Address, s.recipients(ctx, account))
		}
		verified = g
		return nil
	})
	return verified, err
}

// RemoveGuardian deletes a guardian. It fails with ErrRequestReady while a
// recovery request is ready to execute; otherwise the guardian's approval
// of a live request is withdrawn in the same transaction. A request whose
// cancel window has closed is cancelled first.
func (s *Service) RemoveGuardian(ctx context.Context, account, address string) error {
	return s.mutate(ctx, "remove_guardian", account, guardianAttrs(address), func(ctx context.Context, account string) error {
		if err := s.machine.ExpireStale(ctx, account); err != nil {
			return err
		}
		if err := s.registry.RemoveGuardian(ctx, account, address); err != nil {
			return err
		}
		s.events.EmitGuardianRemoved(ctx, account, address, s.recipients(ctx, account, address))
		return nil
	})
}

// SuspendGuardian makes a guardian ineligible without removing it. Like
// RemoveGuardian it is rejected while a request is ready.
func (s *Service) SuspendGuardian(ctx context.Context, account, address string) error {
	return s.mutate(ctx, "suspend_guardian", account, guardianAttrs(address), func(ctx context.Context, account string) error {
		if err := s.machine.ExpireStale(ctx, account); err != nil {
			return err
		}
		return s.registry.SuspendGuardian(ctx, account, address)
	})
}

// ReinstateGuardian returns a suspended guardian to verified.
func (s *Service) ReinstateGuardian(ctx context.Context, account, address string) error {
	return s.mutate(ctx, "reinstate_guardian", account, guardianAttrs(address), func(ctx context.Context, account string) error {
		return s.registry.ReinstateGuardian(ctx, account, address)
	})
}

// IsEligibleSigner reports whether address may approve account's recoveries.
func (s *Service) IsEligibleSigner(ctx context.Context, account, address string) (bool, error) {
	var ok bool
	err := s.read(ctx, "is_eligible_signer", account, func(ctx context.Context, account string) error {
		var err error
		ok, err = s.registry.IsEligibleSigner(ctx, account, address)
		return err
	})
	return ok, err
}

func guardianAttrs(address string) []attribute.KeyValue {
	return []attribute.KeyValue{traces.Guardian(address)}
}
