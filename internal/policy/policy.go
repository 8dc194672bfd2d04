// Package policy provides per-account recovery policies.
//
// A policy sets the guardian quorum (min, threshold, max), the recovery
// delay, the cancel window and the cooldown between requests. Validation is
// pure and reports every violated rule at once so callers can show all of
// them together; a policy with any violation is never stored.
package policy

import (
	"fmt"
	"time"

	"github.com/mbd888/guardian/internal/apperr"
)

// Hard limits every policy must respect.
const (
	MaxGuardianLimit = 10
	MaxPasskeyLimit  = 10
	MinRecoveryDelay = time.Hour
)

// Violation codes.
const (
	CodeThresholdTooLow     = "threshold_too_low"
	CodeThresholdAboveMin   = "threshold_above_min"
	CodeMinAboveMax         = "min_above_max"
	CodeMaxAboveLimit       = "max_above_limit"
	CodeDelayTooShort       = "recovery_delay_too_short"
	CodeWindowBeforeDelay   = "cancel_window_before_delay"
	CodeNegativeCooldown    = "negative_cooldown"
	CodeMaxPasskeysRange    = "max_passkeys_out_of_range"
	CodeMaxBelowGuardianSet = "max_below_guardian_count"
)

// Policy is the recovery configuration of one account.
type Policy struct {
	MinGuardians    int
	Threshold       int
	MaxGuardians    int
	RecoveryDelay   time.Duration
	CancelWindow    time.Duration
	CooldownPeriod  time.Duration
	PasskeysEnabled bool
	MaxPasskeys     int
}

// Default returns the policy used for accounts that never configured one.
func Default() Policy {
	return Policy{
		MinGuardians:    2,
		Threshold:       2,
		MaxGuardians:    5,
		RecoveryDelay:   24 * time.Hour,
		CancelWindow:    48 * time.Hour,
		CooldownPeriod:  7 * 24 * time.Hour,
		PasskeysEnabled: true,
		MaxPasskeys:     5,
	}
}

// Update is a partial policy change. Nil fields keep the current value.
type Update struct {
	MinGuardians    *int
	Threshold       *int
	MaxGuardians    *int
	RecoveryDelay   *time.Duration
	CancelWindow    *time.Duration
	CooldownPeriod  *time.Duration
	PasskeysEnabled *bool
	MaxPasskeys     *int
}

// Apply returns base with the non-nil fields of u applied.
func (u Update) Apply(base Policy) Policy {
	p := base
	if u.MinGuardians != nil {
		p.MinGuardians = *u.MinGuardians
	}
	if u.Threshold != nil {
		p.Threshold = *u.Threshold
	}
	if u.MaxGuardians != nil {
		p.MaxGuardians = *u.MaxGuardians
	}
	if u.RecoveryDelay != nil {
		p.RecoveryDelay = *u.RecoveryDelay
	}
	if u.CancelWindow != nil {
		p.CancelWindow = *u.CancelWindow
	}
	if u.CooldownPeriod != nil {
		p.CooldownPeriod = *u.CooldownPeriod
	}
	if u.PasskeysEnabled != nil {
		p.PasskeysEnabled = *u.PasskeysEnabled
	}
	if u.MaxPasskeys != nil {
		p.MaxPasskeys = *u.MaxPasskeys
	}
	return p
}

// Validate checks p against every policy rule and returns all violations.
func Validate(p Policy) []apperr.Violation {
	var out []apperr.Violation
	add := func(field, code, format string, args ...any) {
		out = append(out, apperr.Violation{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if p.Threshold < 1 {
		add("threshold", CodeThresholdTooLow, "threshold must be at least 1, got %d", p.Threshold)
	}
	if p.Threshold > p.MinGuardians {
		add("threshold", CodeThresholdAboveMin, "threshold (%d) must not exceed min guardians (%d)", p.Threshold, p.MinGuardians)
	}
	if p.MinGuardians > p.MaxGuardians {
		add("minGuardians", CodeMinAboveMax, "min guardians (%d) must not exceed max guardians (%d)", p.MinGuardians, p.MaxGuardians)
	}
	if p.MaxGuardians > MaxGuardianLimit {
		add("maxGuardians", CodeMaxAboveLimit, "max guardians must be at most %d, got %d", MaxGuardianLimit, p.MaxGuardians)
	}
	if p.RecoveryDelay < MinRecoveryDelay {
		add("recoveryDelay", CodeDelayTooShort, "recovery delay must be at least %ds, got %ds", secs(MinRecoveryDelay), secs(p.RecoveryDelay))
	}
	if p.CancelWindow < p.RecoveryDelay {
		add("cancelWindow", CodeWindowBeforeDelay, "cancel window (%ds) must be at least the recovery delay (%ds)", secs(p.CancelWindow), secs(p.RecoveryDelay))
	}
	if p.CooldownPeriod < 0 {
		add("cooldownPeriod", CodeNegativeCooldown, "cooldown period must not be negative")
	}
	if p.PasskeysEnabled && (p.MaxPasskeys < 1 || p.MaxPasskeys > MaxPasskeyLimit) {
		add("maxPasskeys", CodeMaxPasskeysRange, "max passkeys must be between 1 and %d, got %d", MaxPasskeyLimit, p.MaxPasskeys)
	}
	return out
}

// ValidateUpdate applies u to base and validates the result.
func ValidateUpdate(base Policy, u Update) (Policy, []apperr.Violation) {
	p := u.Apply(base)
	return p, Validate(p)
}

// ValidateAgainstGuardians flags a policy that the current guardian set
// already exceeds.
func ValidateAgainstGuardians(p Policy, guardianCount int) []apperr.Violation {
	if guardianCount > p.MaxGuardians {
		return []apperr.Violation{{
			Field:   "maxGuardians",
			Code:    CodeMaxBelowGuardianSet,
			Message: fmt.Sprintf("max guardians (%d) is below the %d guardians already registered", p.MaxGuardians, guardianCount),
		}}
	}
	return nil
}

// Check returns a policy violation error if p is invalid.
func Check(p Policy) error {
	if v := Validate(p); len(v) > 0 {
		return apperr.PolicyViolation(v)
	}
	return nil
}

// Timeline holds the instants a request created at a given time is bound by.
type Timeline struct {
	CanExecuteAt   time.Time
	CancelDeadline time.Time
}

// ComputeTimeline returns the execution and cancellation bounds for a
// request created at start.
func ComputeTimeline(p Policy, start time.Time) Timeline {
	return Timeline{
		CanExecuteAt:   start.Add(p.RecoveryDelay),
		CancelDeadline: start.Add(p.CancelWindow),
	}
}

func secs(d time.Duration) int64 {
	return int64(d / time.Second)
}
