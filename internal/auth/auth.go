// Package auth authenticates API callers by EIP-191 signatures.
//
// Authentication model:
//   - Every /v1 request carries X-Signer, X-Timestamp and X-Signature headers
//   - The signature covers ethsig.RequestMessage(method, path, timestamp, body)
//   - Timestamps outside the allowed skew are rejected
//   - A signature is accepted at most once while its timestamp is fresh
//
// What the signer may do (owner, guardian) is decided by the handlers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/guardian/internal/ethsig"
	"github.com/mbd888/guardian/internal/validation"
)

// Errors
var (
	ErrMissingHeaders = errors.New("signature headers required")
	ErrStaleTimestamp = errors.New("request timestamp outside allowed skew")
	ErrBadSignature   = errors.New("signature does not match signer")
	ErrReplayed       = errors.New("request signature already used")
)

// Verifier checks signed requests.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
	replay  *ReplayGuard
}

// NewVerifier creates a verifier accepting timestamps within maxSkew of now.
func NewVerifier(maxSkew time.Duration) *Verifier {
	return &Verifier{maxSkew: maxSkew, now: time.Now}
}

// WithClock overrides the clock, used in tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

// WithReplayGuard rejects signatures seen before.
func (v *Verifier) WithReplayGuard(g *ReplayGuard) *Verifier {
	v.replay = g
	return v
}

// Verify returns the normalized signer when signature is a valid signature
// by signer over the request.
func (v *Verifier) Verify(ctx context.Context, method, path, signer, timestamp, signature string, body []byte) (string, error) {
	if signer == "" || timestamp == "" || signature == "" {
		return "", ErrMissingHeaders
	}
	addr, err := validation.NormalizeAddress(signer)
	if err != nil {
		return "", err
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed timestamp", ErrStaleTimestamp)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return "", ErrStaleTimestamp
	}

	msg := ethsig.RequestMessage(method, path, ts, body)
	if err := ethsig.VerifySignature(msg, signature, addr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if v.replay != nil {
		// A signature can't outlive the window on either side of now.
		if err := v.replay.Claim(ctx, signature, 2*v.maxSkew); err != nil {
			return "", err
		}
	}
	return addr, nil
}
