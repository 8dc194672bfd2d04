// Package apperr defines the error taxonomy shared by the recovery components.
//
// Every failure returned by a recovery operation is an *Error with a Kind that
// tells callers how to react (fix the request, wait, or raise an alert) and a
// stable Code that UIs can switch on. Sentinels match by code with errors.Is,
// so constructors that carry extra data (remaining seconds, violations) still
// compare equal to the bare sentinel.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error by how the caller should handle it.
type Kind string

const (
	KindPolicyViolation   Kind = "policy_violation"   // misconfiguration, rejected before any write
	KindStateConflict     Kind = "state_conflict"     // wrong lifecycle state for the operation
	KindTemporalGuard     Kind = "temporal_guard"     // retry later, carries remaining time
	KindSecurityViolation Kind = "security_violation" // log and alert, never retry silently
	KindResourceLimit     Kind = "resource_limit"     // count limits, fixable by changing the request
	KindNotFound          Kind = "not_found"
	KindInvalid           Kind = "invalid"
)

// Violation describes one failed policy rule.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is a classified recovery error.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Remaining  time.Duration // set for temporal guards
	Violations []Violation   // set for policy violations
}

func (e *Error) Error() string {
	switch {
	case e.Remaining > 0:
		return fmt.Sprintf("%s (%ds remaining)", e.Message, int64(e.Remaining.Seconds()))
	case len(e.Violations) > 0:
		msgs := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			msgs[i] = v.Message
		}
		return e.Message + ": " + strings.Join(msgs, "; ")
	}
	return e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// RemainingSeconds rounds the remaining duration up to whole seconds.
func (e *Error) RemainingSeconds() int64 {
	if e.Remaining <= 0 {
		return 0
	}
	secs := int64(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Policy errors
var (
	ErrPolicyViolation  = newErr(KindPolicyViolation, "policy_violation", "recovery policy is invalid")
	ErrPasskeysDisabled = newErr(KindPolicyViolation, "passkeys_disabled", "passkeys are disabled by the recovery policy")
)

// State conflicts
var (
	ErrAlreadyExists     = newErr(KindStateConflict, "already_exists", "entry already exists")
	ErrAlreadyInProgress = newErr(KindStateConflict, "already_in_progress", "a recovery request is already in progress")
	ErrNotPending        = newErr(KindStateConflict, "not_pending", "recovery request is not accepting approvals")
	ErrNotReady          = newErr(KindStateConflict, "not_ready", "recovery request has not reached its approval threshold")
	ErrAlreadyTerminal   = newErr(KindStateConflict, "already_terminal", "recovery request is already executed or cancelled")
	ErrDuplicateApproval = newErr(KindStateConflict, "duplicate_approval", "guardian has already approved this request")
	ErrGuardiansNotReady = newErr(KindStateConflict, "guardians_not_ready", "guardian set is not fully verified")
	ErrRequestReady      = newErr(KindStateConflict, "request_ready", "guardian set is locked while a recovery request is ready to execute")
)

// Temporal guards. Use the constructors to attach the remaining time.
var (
	ErrTooEarly            = newErr(KindTemporalGuard, "too_early", "recovery delay has not elapsed")
	ErrCooldownActive      = newErr(KindTemporalGuard, "cooldown_active", "recovery cooldown is active")
	ErrWindowExpired       = newErr(KindTemporalGuard, "window_expired", "cancel window has expired")
	ErrCancelWindowExpired = newErr(KindTemporalGuard, "cancel_window_expired", "execution window has closed; request was cancelled")
)

// Security violations
var (
	ErrReplayDetected        = newErr(KindSecurityViolation, "replay_detected", "authenticator counter did not increase")
	ErrIneligibleGuardian    = newErr(KindSecurityViolation, "ineligible_guardian", "address is not an eligible guardian")
	ErrUnknownCredential     = newErr(KindSecurityViolation, "unknown_credential", "passkey credential not found")
	ErrCodeMismatch          = newErr(KindSecurityViolation, "code_mismatch", "verification code does not match")
	ErrInvalidInitiator      = newErr(KindSecurityViolation, "invalid_initiator", "initiator is neither the owner nor an eligible guardian")
	ErrInvalidSignature      = newErr(KindSecurityViolation, "invalid_signature", "signature verification failed")
	ErrUnauthorizedCanceller = newErr(KindSecurityViolation, "unauthorized_canceller", "only the owner or an eligible guardian may cancel")
	ErrNotOwner              = newErr(KindSecurityViolation, "not_owner", "caller is not the account owner")
	ErrOwnerUnverifiable     = newErr(KindSecurityViolation, "owner_unverifiable", "account ownership cannot be checked on chain")
)

// Resource limits
var (
	ErrLimitExceeded    = newErr(KindResourceLimit, "limit_exceeded", "maximum count reached")
	ErrMinimumViolation = newErr(KindResourceLimit, "minimum_violation", "operation would drop guardians below the policy minimum")
)

// Not found / invalid input
var (
	ErrNotFound            = newErr(KindNotFound, "not_found", "not found")
	ErrUnsupportedPlatform = newErr(KindInvalid, "unsupported_platform", "chain does not support P-256 signature verification")
	ErrInvalidPublicKey    = newErr(KindInvalid, "invalid_public_key", "public key is not an uncompressed P-256 point")
	ErrInvalidAddress      = newErr(KindInvalid, "invalid_address", "invalid address")
	ErrInvalidInput        = newErr(KindInvalid, "invalid_input", "invalid input")
)

// TooEarly returns ErrTooEarly carrying the time left until execution opens.
func TooEarly(remaining time.Duration) error {
	return withRemaining(ErrTooEarly, remaining)
}

// CooldownActive returns ErrCooldownActive carrying the time left in the cooldown.
func CooldownActive(remaining time.Duration) error {
	return withRemaining(ErrCooldownActive, remaining)
}

func withRemaining(base *Error, remaining time.Duration) error {
	e := *base
	e.Remaining = remaining
	return &e
}

// PolicyViolation returns ErrPolicyViolation carrying every violation found.
func PolicyViolation(violations []Violation) error {
	e := *ErrPolicyViolation
	e.Violations = append([]Violation(nil), violations...)
	return &e
}

// NotFoundf returns ErrNotFound with a descriptive message.
func NotFoundf(format string, args ...any) error {
	return withMessage(ErrNotFound, fmt.Sprintf(format, args...))
}

// Invalidf returns ErrInvalidInput with a descriptive message.
func Invalidf(format string, args ...any) error {
	return withMessage(ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Wrap returns a copy of base with msg replacing its message.
func Wrap(base *Error, msg string) error {
	return withMessage(base, msg)
}

func withMessage(base *Error, msg string) error {
	e := *base
	e.Message = msg
	return &e
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// IsSecurity reports whether err is a security violation that must be logged.
func IsSecurity(err error) bool {
	return KindOf(err) == KindSecurityViolation
}
