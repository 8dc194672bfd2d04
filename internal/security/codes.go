package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Verification codes are short and live for hours, so the Argon2id cost is
// lower than a password hash would use. Attempts are capped by the caller.
const (
	codeSaltLength        = 16
	codeArgonTime  uint32 = 1
	codeArgonMem   uint32 = 16 * 1024
	codeArgonPar   uint8  = 1
	codeKeyLen     uint32 = 32
)

// HashCode hashes a one-time verification code with Argon2id.
// The result is encoded as "salt:hash", both base64.
func HashCode(code string) (string, error) {
	salt := make([]byte, codeSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(code), salt, codeArgonTime, codeArgonMem, codeArgonPar, codeKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyCode compares code against an encoded hash in constant time.
func VerifyCode(code, encoded string) (bool, error) {
	if code == "" || encoded == "" {
		return false, nil
	}
	salt64, hash64, ok := strings.Cut(encoded, ":")
	if !ok {
		return false, fmt.Errorf("invalid code hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	stored, err := base64.StdEncoding.DecodeString(hash64)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	computed := argon2.IDKey([]byte(code), salt, codeArgonTime, codeArgonMem, codeArgonPar, uint32(len(stored)))
	return subtle.ConstantTimeCompare(computed, stored) == 1, nil
}
