package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/guardian/internal/passkeys"
	"github.com/mbd888/guardian/internal/traces"
)

// ListPasskeys returns account's passkeys.
func (s *Service) ListPasskeys(ctx context.Context, account string) ([]passkeys.Credential, error) {
	var out []passkeys.Credential
	err := s.read(ctx, "list_passkeys", account, func(ctx context.Context, account string) error {
		var err error
		out, err = s.passkeys.ListCredentials(ctx, account)
		return err
	})
	return out, err
}

// AddPasskey registers a credential from a completed registration ceremony.
func (s *Service) AddPasskey(ctx context.Context, account string, att passkeys.AttestationResponse) (*passkeys.Credential, error) {
	var cred *passkeys.Credential
	err := s.mutate(ctx, "add_passkey", account, credentialAttrs(att.CredentialID), func(ctx context.Context, account string) error {
		c, err := s.passkeys.CreateCredential(ctx, account, att)
		if err != nil {
			return err
		}
		s.events.EmitPasskeyAdded(ctx, account, c.ID, c.Name, s.recipients(ctx, account))
		cred = c
		return nil
	})
	return cred, err
}

// VerifyPasskey checks an assertion against a stored credential and
// advances its signature counter.
func (s *Service) VerifyPasskey(ctx context.Context, account, credentialID string, a passkeys.AssertionResponse, challenge []byte) (*passkeys.Credential, error) {
	var cred *passkeys.Credential
	err := s.mutate(ctx, "verify_passkey", account, credentialAttrs(credentialID), func(ctx context.Context, account string) error {
		var err error
		cred, err = s.passkeys.VerifyAssertion(ctx, account, credentialID, a, challenge)
		return err
	})
	return cred, err
}

// RenamePasskey changes a credential's display name.
func (s *Service) RenamePasskey(ctx context.Context, account, credentialID, name string) error {
	return s.mutate(ctx, "rename_passkey", account, credentialAttrs(credentialID), func(ctx context.Context, account string) error {
		return s.passkeys.RenameCredential(ctx, account, credentialID, name)
	})
}

// RemovePasskey deletes a credential.
func (s *Service) RemovePasskey(ctx context.Context, account, credentialID string) error {
	return s.mutate(ctx, "remove_passkey", account, credentialAttrs(credentialID), func(ctx context.Context, account string) error {
		if err := s.passkeys.RemoveCredential(ctx, account, credentialID); err != nil {
			return err
		}
		s.events.EmitPasskeyRemoved(ctx, account, credentialID, s.recipients(ctx, account))
		return nil
	})
}

func credentialAttrs(id string) []attribute.KeyValue {
	return []attribute.KeyValue{traces.CredentialID(id)}
}
