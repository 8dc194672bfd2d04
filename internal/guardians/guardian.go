// Package guardians owns the guardian set of each account.
//
// All guardians of an account live in one record, guardian_setup:<account>,
// together with the account owner. Keeping them together means every
// membership change is a single-key transaction, and the recovery machine
// can read owner and guardians in the same consistent snapshot.
package guardians

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
)

// Namespace is the key prefix of guardian setup records.
const Namespace = "guardian_setup"

// Method is how a guardian proves control of its address.
type Method string

const (
	MethodEmail           Method = "email"
	MethodWalletSignature Method = "wallet_signature"
	MethodPhoneSMS        Method = "phone_sms"
)

// Valid reports whether m is a supported verification method.
func (m Method) Valid() bool {
	switch m {
	case MethodEmail, MethodWalletSignature, MethodPhoneSMS:
		return true
	}
	return false
}

// Status is the lifecycle state of a guardian.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusActive    Status = "active" // projection only, never stored
	StatusSuspended Status = "suspended"
)

// Guardian is a trusted address that may co-sign a recovery.
type Guardian struct {
	Address      string    `json:"address"`
	Nickname     string    `json:"nickname,omitempty"`
	Relationship string    `json:"relationship,omitempty"`
	Method       Method    `json:"method"`
	Status       Status    `json:"status"`
	AddedAt      time.Time `json:"addedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Eligible reports whether the guardian may approve recoveries.
func (g *Guardian) Eligible() bool {
	return g.Status == StatusVerified || g.Status == StatusActive
}

const (
	fieldOwner     = "owner"
	guardianPrefix = "g:"
)

// Setup is the stored guardian set of one account.
type Setup struct {
	Account   string
	Owner     string
	guardians map[string]*Guardian
}

func newSetup(account string) *Setup {
	return &Setup{Account: account, guardians: make(map[string]*Guardian)}
}

// Key returns the storage key of account's guardian setup.
func Key(account string) string {
	return kvstore.Key(Namespace, account)
}

// Get returns the guardian with the given address.
func (s *Setup) Get(address string) (*Guardian, bool) {
	g, ok := s.guardians[strings.ToLower(address)]
	return g, ok
}

// Count returns the number of guardians regardless of status.
func (s *Setup) Count() int {
	return len(s.guardians)
}

// EligibleCount returns the number of verified guardians.
func (s *Setup) EligibleCount() int {
	n := 0
	for _, g := range s.guardians {
		if g.Eligible() {
			n++
		}
	}
	return n
}

// IsEligible reports whether address is a verified guardian.
func (s *Setup) IsEligible(address string) bool {
	g, ok := s.Get(address)
	return ok && g.Eligible()
}

// IsOwner reports whether address is the account owner.
func (s *Setup) IsOwner(address string) bool {
	return s.Owner != "" && strings.EqualFold(s.Owner, address)
}

// IsActive reports whether the registry can back a recovery: every guardian
// is verified and there are at least MinGuardians of them. It is derived on
// every read and never stored.
func (s *Setup) IsActive(p policy.Policy) bool {
	if len(s.guardians) == 0 || len(s.guardians) < p.MinGuardians {
		return false
	}
	for _, g := range s.guardians {
		if !g.Eligible() {
			return false
		}
	}
	return true
}

// List returns copies of all guardians ordered by AddedAt, then address.
func (s *Setup) List() []Guardian {
	out := make([]Guardian, 0, len(s.guardians))
	for _, g := range s.guardians {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Project returns List with verified guardians reported as active when the
// registry is active under p.
func (s *Setup) Project(p policy.Policy) []Guardian {
	list := s.List()
	if !s.IsActive(p) {
		return list
	}
	for i := range list {
		if list[i].Status == StatusVerified {
			list[i].Status = StatusActive
		}
	}
	return list
}

// Touch sets the guardian's LastActivity.
func (s *Setup) Touch(address string, at time.Time) {
	if g, ok := s.Get(address); ok {
		g.LastActivity = at
	}
}

func (s *Setup) put(g *Guardian) {
	s.guardians[strings.ToLower(g.Address)] = g
}

func (s *Setup) remove(address string) {
	delete(s.guardians, strings.ToLower(address))
}

// decodeSetup parses a stored guardian_setup record.
func decodeSetup(account string, fields map[string]string) (*Setup, error) {
	s := newSetup(account)
	for k, v := range fields {
		switch {
		case k == fieldOwner:
			s.Owner = v
		case strings.HasPrefix(k, guardianPrefix):
			var g Guardian
			if err := json.Unmarshal([]byte(v), &g); err != nil {
				return nil, fmt.Errorf("decode guardian %s: %w", k, err)
			}
			if g.Status == StatusActive {
				g.Status = StatusVerified
			}
			s.put(&g)
		}
	}
	return s, nil
}

func encodeSetup(s *Setup) (map[string]string, error) {
	fields := make(map[string]string, len(s.guardians)+1)
	if s.Owner != "" {
		fields[fieldOwner] = s.Owner
	}
	for addr, g := range s.guardians {
		raw, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encode guardian %s: %w", addr, err)
		}
		fields[guardianPrefix+addr] = string(raw)
	}
	return fields, nil
}

// LoadSetup reads account's guardian setup inside a transaction. A missing
// record yields an empty setup.
func LoadSetup(tx kvstore.Txn, account string) (*Setup, error) {
	fields, err := tx.GetHash(Key(account))
	if err != nil {
		return nil, fmt.Errorf("load guardian setup: %w", err)
	}
	return decodeSetup(account, fields)
}

// SaveSetup buffers a write of s inside a transaction.
func SaveSetup(tx kvstore.Txn, s *Setup) error {
	fields, err := encodeSetup(s)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		tx.Delete(Key(s.Account))
		return nil
	}
	tx.SetHash(Key(s.Account), fields)
	return nil
}
