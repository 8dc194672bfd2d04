package guardians

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/ethsig"
	"github.com/mbd888/guardian/internal/idgen"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/security"
)

// ChallengeNamespace is the key prefix of pending verification challenges.
const ChallengeNamespace = "guardian_challenge"

const (
	DefaultChallengeTTL = 24 * time.Hour
	DefaultMaxAttempts  = 5
	codeDigits          = 6
)

// Challenge is what a pending guardian must answer to become verified.
//
// For email and phone_sms guardians Code holds the plaintext one-time code;
// it is handed to the notifier for out-of-band delivery and only its hash
// is stored. For wallet_signature guardians Message is the text to sign.
type Challenge struct {
	Account   string    `json:"account"`
	Guardian  string    `json:"guardian"`
	Method    Method    `json:"method"`
	Code      string    `json:"-"`
	Message   string    `json:"message,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChallengeKey returns the storage key of a guardian's challenge.
func ChallengeKey(account, guardian string) string {
	return kvstore.Key(ChallengeNamespace, account, strings.ToLower(guardian))
}

const (
	fieldMethod   = "method"
	fieldCodeHash = "code_hash"
	fieldMessage  = "message"
	fieldAttempts = "attempts"
	fieldIssuedAt = "issued_at"
)

// preparedChallenge is built outside the transaction so retries reuse the
// same code and the Argon2 cost is paid once.
type preparedChallenge struct {
	challenge Challenge
	record    kvstore.Record
}

func prepareChallenge(account, guardian string, method Method, issuedAt time.Time, ttl time.Duration) (*preparedChallenge, error) {
	c := Challenge{
		Account:   account,
		Guardian:  guardian,
		Method:    method,
		ExpiresAt: issuedAt.Add(ttl),
	}
	rec := kvstore.Record{fieldMethod: string(method)}
	rec.SetInt(fieldAttempts, 0)
	rec.SetTime(fieldIssuedAt, issuedAt)

	if method == MethodWalletSignature {
		c.Message = ethsig.GuardianChallengeMessage(account, guardian, idgen.Hex(16))
		rec[fieldMessage] = c.Message
	} else {
		code, err := idgen.NumericCode(codeDigits)
		if err != nil {
			return nil, err
		}
		hash, err := security.HashCode(code)
		if err != nil {
			return nil, fmt.Errorf("hash verification code: %w", err)
		}
		c.Code = code
		rec[fieldCodeHash] = hash
	}
	return &preparedChallenge{challenge: c, record: rec}, nil
}

func (p *preparedChallenge) save(tx kvstore.Txn, ttl time.Duration) {
	key := ChallengeKey(p.challenge.Account, p.challenge.Guardian)
	tx.SetHash(key, p.record)
	tx.Expire(key, ttl)
}

// checkResponse validates a guardian's answer against its stored challenge.
// It returns false for a wrong answer and an error only for corrupt records.
func checkResponse(rec kvstore.Record, guardian, response string) (bool, error) {
	switch Method(rec.Str(fieldMethod)) {
	case MethodWalletSignature:
		if err := ethsig.VerifySignature(rec.Str(fieldMessage), response, guardian); err != nil {
			return false, nil
		}
		return true, nil
	case MethodEmail, MethodPhoneSMS:
		return security.VerifyCode(strings.TrimSpace(response), rec.Str(fieldCodeHash))
	}
	return false, fmt.Errorf("challenge has unknown method %q", rec.Str(fieldMethod))
}
