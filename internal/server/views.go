package server

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/guardians"
	"github.com/mbd888/guardian/internal/passkeys"
	"github.com/mbd888/guardian/internal/policy"
	"github.com/mbd888/guardian/internal/recovery"
)

// Durations cross the API as whole seconds.

type policyView struct {
	MinGuardians         int   `json:"minGuardians"`
	Threshold            int   `json:"threshold"`
	MaxGuardians         int   `json:"maxGuardians"`
	RecoveryDelaySeconds int64 `json:"recoveryDelaySeconds"`
	CancelWindowSeconds  int64 `json:"cancelWindowSeconds"`
	CooldownSeconds      int64 `json:"cooldownSeconds"`
	PasskeysEnabled      bool  `json:"passkeysEnabled"`
	MaxPasskeys          int   `json:"maxPasskeys"`
}

func newPolicyView(p policy.Policy) policyView {
	return policyView{
		MinGuardians:         p.MinGuardians,
		Threshold:            p.Threshold,
		MaxGuardians:         p.MaxGuardians,
		RecoveryDelaySeconds: seconds(p.RecoveryDelay),
		CancelWindowSeconds:  seconds(p.CancelWindow),
		CooldownSeconds:      seconds(p.CooldownPeriod),
		PasskeysEnabled:      p.PasskeysEnabled,
		MaxPasskeys:          p.MaxPasskeys,
	}
}

// UpdatePolicyRequest is the body of PUT /policy. Absent fields keep their
// current value.
type UpdatePolicyRequest struct {
	MinGuardians         *int   `json:"minGuardians"`
	Threshold            *int   `json:"threshold"`
	MaxGuardians         *int   `json:"maxGuardians"`
	RecoveryDelaySeconds *int64 `json:"recoveryDelaySeconds"`
	CancelWindowSeconds  *int64 `json:"cancelWindowSeconds"`
	CooldownSeconds      *int64 `json:"cooldownSeconds"`
	PasskeysEnabled      *bool  `json:"passkeysEnabled"`
	MaxPasskeys          *int   `json:"maxPasskeys"`
}

func (r UpdatePolicyRequest) toUpdate() policy.Update {
	return policy.Update{
		MinGuardians:    r.MinGuardians,
		Threshold:       r.Threshold,
		MaxGuardians:    r.MaxGuardians,
		RecoveryDelay:   duration(r.RecoveryDelaySeconds),
		CancelWindow:    duration(r.CancelWindowSeconds),
		CooldownPeriod:  duration(r.CooldownSeconds),
		PasskeysEnabled: r.PasskeysEnabled,
		MaxPasskeys:     r.MaxPasskeys,
	}
}

type statusView struct {
	Account                  string            `json:"account"`
	Owner                    string            `json:"owner,omitempty"`
	HasGuardians             bool              `json:"hasGuardians"`
	GuardianCount            int               `json:"guardianCount"`
	GuardiansReady           bool              `json:"guardiansReady"`
	Threshold                int               `json:"threshold"`
	ActiveRequest            *recovery.Request `json:"activeRequest,omitempty"`
	LastRequest              *recovery.Request `json:"lastRequest,omitempty"`
	CanInitiate              bool              `json:"canInitiate"`
	CooldownRemainingSeconds int64             `json:"cooldownRemainingSeconds"`
	ExecutableInSeconds      *int64            `json:"executableInSeconds,omitempty"`
}

func newStatusView(v *recovery.StatusView, now time.Time) statusView {
	out := statusView{
		Account:                  v.Account,
		Owner:                    v.Owner,
		HasGuardians:             v.HasGuardians,
		GuardianCount:            v.GuardianCount,
		GuardiansReady:           v.GuardiansReady,
		Threshold:                v.Threshold,
		ActiveRequest:            v.ActiveRequest,
		LastRequest:              v.LastRequest,
		CanInitiate:              v.CanInitiate,
		CooldownRemainingSeconds: ceilSeconds(v.CooldownRemaining),
	}
	if r := v.ActiveRequest; r != nil {
		left := ceilSeconds(r.ExecutesAt.Sub(now))
		out.ExecutableInSeconds = &left
	}
	return out
}

// AddGuardianRequest is the body of POST /guardians.
type AddGuardianRequest struct {
	Address      string           `json:"address" binding:"required"`
	Nickname     string           `json:"nickname"`
	Relationship string           `json:"relationship"`
	Method       guardians.Method `json:"method" binding:"required"`
}

// challengeView describes an outstanding challenge. Codes travel only
// through the notifier, never in a response.
type challengeView struct {
	Guardian  string    `json:"guardian"`
	Method    string    `json:"method"`
	Message   string    `json:"message,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newChallengeView(ch *guardians.Challenge) challengeView {
	return challengeView{
		Guardian:  ch.Guardian,
		Method:    string(ch.Method),
		Message:   ch.Message,
		ExpiresAt: ch.ExpiresAt,
	}
}

// VerifyGuardianRequest carries the code or the wallet signature.
type VerifyGuardianRequest struct {
	Response string `json:"response" binding:"required"`
}

// AddPasskeyRequest is a registration ceremony result. Binary fields are
// base64url, padded or not.
type AddPasskeyRequest struct {
	CredentialID string `json:"credentialId" binding:"required"`
	PublicKey    string `json:"publicKey" binding:"required"`
	Counter      uint32 `json:"counter"`
	Name         string `json:"name"`
	DeviceInfo   string `json:"deviceInfo"`
}

func (r AddPasskeyRequest) toAttestation() (passkeys.AttestationResponse, error) {
	pub, err := decodeB64URL(r.PublicKey)
	if err != nil {
		return passkeys.AttestationResponse{}, err
	}
	return passkeys.AttestationResponse{
		CredentialID: r.CredentialID,
		PublicKey:    pub,
		Counter:      r.Counter,
		Name:         r.Name,
		DeviceInfo:   r.DeviceInfo,
	}, nil
}

// AssertPasskeyRequest is an authentication ceremony result.
type AssertPasskeyRequest struct {
	AuthenticatorData string `json:"authenticatorData" binding:"required"`
	ClientDataJSON    string `json:"clientDataJSON" binding:"required"`
	Signature         string `json:"signature" binding:"required"`
	Challenge         string `json:"challenge" binding:"required"`
}

func (r AssertPasskeyRequest) decode() (passkeys.AssertionResponse, []byte, error) {
	var out passkeys.AssertionResponse
	var err error
	if out.AuthenticatorData, err = decodeB64URL(r.AuthenticatorData); err != nil {
		return out, nil, err
	}
	if out.ClientDataJSON, err = decodeB64URL(r.ClientDataJSON); err != nil {
		return out, nil, err
	}
	if out.Signature, err = decodeB64URL(r.Signature); err != nil {
		return out, nil, err
	}
	challenge, err := decodeB64URL(r.Challenge)
	return out, challenge, err
}

// RenamePasskeyRequest is the body of PATCH /passkeys/:id.
type RenamePasskeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// SetOwnerRequest is the body of POST /owner.
type SetOwnerRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// InitiateRecoveryRequest is the body of POST /recovery.
type InitiateRecoveryRequest struct {
	NewOwner string `json:"newOwner" binding:"required"`
}

func decodeB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func duration(secs *int64) *time.Duration {
	if secs == nil {
		return nil
	}
	d := time.Duration(*secs) * time.Second
	return &d
}
