package passkeys

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
	"github.com/mbd888/guardian/internal/validation"
)

// Manager handles passkey registration, authentication and removal.
type Manager struct {
	store   kvstore.Store
	support PlatformSupport
	now     func() time.Time
}

// NewManager creates a passkey manager. support may be nil, in which case
// every platform is assumed to verify P-256.
func NewManager(store kvstore.Store, support PlatformSupport) *Manager {
	return &Manager{store: store, support: support, now: time.Now}
}

// WithClock overrides the clock, used in tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// CreateCredential validates and stores a newly registered passkey.
func (m *Manager) CreateCredential(ctx context.Context, account string, att AttestationResponse) (*Credential, error) {
	id := strings.TrimSpace(att.CredentialID)
	if id == "" {
		return nil, apperr.Invalidf("credential id is required")
	}
	if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "=")); err != nil {
		return nil, apperr.Invalidf("credential id must be base64url")
	}
	publicKey, err := ParsePublicKey(att.PublicKey)
	if err != nil {
		return nil, err
	}
	if m.support != nil {
		ok, err := m.support.SupportsP256(ctx)
		if err != nil {
			return nil, fmt.Errorf("check P-256 support: %w", err)
		}
		if !ok {
			return nil, apperr.ErrUnsupportedPlatform
		}
	}

	cred := &Credential{
		ID:         id,
		PublicKey:  publicKey,
		Name:       validation.SanitizeString(att.Name, validation.MaxLabelLength),
		CreatedAt:  m.now(),
		Counter:    att.Counter,
		DeviceInfo: validation.SanitizeString(att.DeviceInfo, 256),
	}
	if cred.Name == "" {
		cred.Name = "Passkey"
	}

	err = m.store.Update(ctx, func(tx kvstore.Txn) error {
		p, err := policy.Load(tx, account)
		if err != nil {
			return err
		}
		if !p.PasskeysEnabled {
			return apperr.ErrPasskeysDisabled
		}
		set, err := loadSet(tx, account)
		if err != nil {
			return err
		}
		if _, exists := set[id]; exists {
			return apperr.Wrap(apperr.ErrAlreadyExists, "passkey "+id+" is already registered")
		}
		if len(set) >= p.MaxPasskeys {
			return apperr.Wrap(apperr.ErrLimitExceeded, fmt.Sprintf("account already has the maximum of %d passkeys", p.MaxPasskeys))
		}
		set[id] = cred
		return saveSet(tx, account, set)
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// VerifyAssertion authenticates with a stored passkey. The signature
// counter must increase on every use unless both the stored and presented
// counters are zero (authenticators without counters). The counter check
// and the counter update commit in one transaction; a rejected assertion
// writes nothing.
//
// If challenge is non-nil the client data must carry it.
func (m *Manager) VerifyAssertion(ctx context.Context, account, credentialID string, a AssertionResponse, challenge []byte) (*Credential, error) {
	var result *Credential
	err := m.store.Update(ctx, func(tx kvstore.Txn) error {
		set, err := loadSet(tx, account)
		if err != nil {
			return err
		}
		cred, ok := set[credentialID]
		if !ok {
			return apperr.ErrUnknownCredential
		}

		counter, err := verifyAssertion(cred.PublicKey, a, challenge)
		if err != nil {
			return err
		}
		if !(counter == 0 && cred.Counter == 0) && counter <= cred.Counter {
			return apperr.Wrap(apperr.ErrReplayDetected,
				fmt.Sprintf("authenticator counter %d did not exceed stored counter %d", counter, cred.Counter))
		}

		cred.Counter = counter
		cred.LastUsedAt = m.now()
		if err := saveSet(tx, account, set); err != nil {
			return err
		}
		cp := *cred
		result = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveCredential deletes a passkey.
func (m *Manager) RemoveCredential(ctx context.Context, account, credentialID string) error {
	return m.store.Update(ctx, func(tx kvstore.Txn) error {
		set, err := loadSet(tx, account)
		if err != nil {
			return err
		}
		if _, ok := set[credentialID]; !ok {
			return apperr.ErrUnknownCredential
		}
		delete(set, credentialID)
		return saveSet(tx, account, set)
	})
}

// RenameCredential changes a passkey's display name.
func (m *Manager) RenameCredential(ctx context.Context, account, credentialID, name string) error {
	name = validation.SanitizeString(name, validation.MaxLabelLength)
	if name == "" {
		return apperr.Invalidf("name is required")
	}
	return m.store.Update(ctx, func(tx kvstore.Txn) error {
		set, err := loadSet(tx, account)
		if err != nil {
			return err
		}
		cred, ok := set[credentialID]
		if !ok {
			return apperr.ErrUnknownCredential
		}
		cred.Name = name
		return saveSet(tx, account, set)
	})
}

// ListCredentials returns account's passkeys ordered by creation time.
func (m *Manager) ListCredentials(ctx context.Context, account string) ([]Credential, error) {
	fields, err := m.store.GetHash(ctx, Key(account))
	if err != nil {
		return nil, fmt.Errorf("load passkeys: %w", err)
	}
	set, err := decodeSet(fields)
	if err != nil {
		return nil, err
	}
	return set.list(), nil
}
