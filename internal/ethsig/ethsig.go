// Package ethsig verifies EIP-191 personal_sign signatures.
//
// Guardians that verify with a wallet signature and every authenticated HTTP
// caller prove control of an address by signing a plain-text message; this
// package builds those messages and recovers the signer.
package ethsig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// GuardianChallengeMessage is the text a wallet_signature guardian signs to
// prove control of its address.
// Format: "Guardian|verify|{account}|{guardian}|{nonce}"
func GuardianChallengeMessage(account, guardian, nonce string) string {
	return fmt.Sprintf("Guardian|verify|%s|%s|%s",
		strings.ToLower(account),
		strings.ToLower(guardian),
		nonce,
	)
}

// RequestMessage is the text an API caller signs for one HTTP request.
// Format: "Guardian|{METHOD}|{path}|{timestamp}|{sha256(body) hex}"
func RequestMessage(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("Guardian|%s|%s|%d|%s",
		strings.ToUpper(method),
		path,
		timestamp,
		hex.EncodeToString(sum[:]),
	)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's lower-cased address from a message
// and a hex-encoded 65-byte signature (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	// Wallets produce v = 27 or 28, Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifySignature verifies that a signature was created by the expected address
func VerifySignature(message string, signatureHex string, expectedAddress string) error {
	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !strings.EqualFold(recovered, expectedAddress) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", expectedAddress, recovered)
	}
	return nil
}
