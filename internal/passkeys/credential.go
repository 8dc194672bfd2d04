// Package passkeys stores P-256 WebAuthn credentials per account and
// verifies assertions made with them.
//
// The browser ceremony is not handled here: callers pass the credential id
// and public key produced at registration, and the authenticator data,
// client data and signature produced at each authentication.
package passkeys

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/kvstore"
)

// Namespace is the key prefix of passkey records.
const Namespace = "passkeys"

const credentialPrefix = "c:"

// Credential is a registered passkey.
type Credential struct {
	ID         string    `json:"id"`
	PublicKey  []byte    `json:"publicKey"` // 65-byte uncompressed P-256 point
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Counter    uint32    `json:"counter"`
	DeviceInfo string    `json:"deviceInfo,omitempty"`
}

// AttestationResponse is the output of a registration ceremony.
type AttestationResponse struct {
	// CredentialID is the base64url credential id.
	CredentialID string
	// PublicKey is either the 65-byte uncompressed point or the DER
	// SubjectPublicKeyInfo returned by AuthenticatorAttestationResponse.getPublicKey().
	PublicKey  []byte
	Counter    uint32
	Name       string
	DeviceInfo string
}

// Key returns the storage key of account's passkeys.
func Key(account string) string {
	return kvstore.Key(Namespace, account)
}

// ParsePublicKey validates a P-256 public key and returns it as an
// uncompressed point.
func ParsePublicKey(raw []byte) ([]byte, error) {
	if len(raw) == 65 && raw[0] == 0x04 {
		pk, err := ecdh.P256().NewPublicKey(raw)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrInvalidPublicKey, "public key is not on the P-256 curve")
		}
		return pk.Bytes(), nil
	}

	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, apperr.ErrInvalidPublicKey
	}
	ecKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, apperr.Wrap(apperr.ErrInvalidPublicKey, "public key is not an ECDSA key")
	}
	pk, err := ecKey.ECDH()
	if err != nil || pk.Curve() != ecdh.P256() {
		return nil, apperr.Wrap(apperr.ErrInvalidPublicKey, "public key is not a P-256 key")
	}
	return pk.Bytes(), nil
}

type credentialSet map[string]*Credential

func decodeSet(fields map[string]string) (credentialSet, error) {
	set := make(credentialSet, len(fields))
	for k, v := range fields {
		if !strings.HasPrefix(k, credentialPrefix) {
			continue
		}
		var c Credential
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, fmt.Errorf("decode passkey %s: %w", k, err)
		}
		set[c.ID] = &c
	}
	return set, nil
}

func (s credentialSet) encode() (map[string]string, error) {
	fields := make(map[string]string, len(s))
	for id, c := range s {
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode passkey %s: %w", id, err)
		}
		fields[credentialPrefix+id] = string(raw)
	}
	return fields, nil
}

func (s credentialSet) list() []Credential {
	out := make([]Credential, 0, len(s))
	for _, c := range s {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func loadSet(tx kvstore.Txn, account string) (credentialSet, error) {
	fields, err := tx.GetHash(Key(account))
	if err != nil {
		return nil, fmt.Errorf("load passkeys: %w", err)
	}
	return decodeSet(fields)
}

func saveSet(tx kvstore.Txn, account string, s credentialSet) error {
	if len(s) == 0 {
		tx.Delete(Key(account))
		return nil
	}
	fields, err := s.encode()
	if err != nil {
		return err
	}
	tx.SetHash(Key(account), fields)
	return nil
}
