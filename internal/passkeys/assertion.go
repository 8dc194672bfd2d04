package passkeys

import (
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto/secp256r1"

	"github.com/mbd888/guardian/internal/apperr"
)

// AssertionResponse is the output of an authentication ceremony.
type AssertionResponse struct {
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte // ASN.1 DER ECDSA signature
}

const (
	authDataMinLen    = 37
	flagUserPresent   = 0x01
	clientDataTypeGet = "webauthn.get"
)

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

type ecdsaSignature struct {
	R, S *big.Int
}

// signCount reads the signature counter from authenticator data:
// rpIdHash(32) | flags(1) | signCount(4, big-endian) | ...
func signCount(authData []byte) (uint32, error) {
	if len(authData) < authDataMinLen {
		return 0, apperr.Wrap(apperr.ErrInvalidSignature, "authenticator data too short")
	}
	if authData[32]&flagUserPresent == 0 {
		return 0, apperr.Wrap(apperr.ErrInvalidSignature, "user presence flag not set")
	}
	return binary.BigEndian.Uint32(authData[33:37]), nil
}

// verifyAssertion checks the assertion signature with publicKey and, when
// challenge is non-nil, that the client data was produced for it. It
// returns the authenticator's signature counter.
func verifyAssertion(publicKey []byte, a AssertionResponse, challenge []byte) (uint32, error) {
	counter, err := signCount(a.AuthenticatorData)
	if err != nil {
		return 0, err
	}

	var cd clientData
	if err := json.Unmarshal(a.ClientDataJSON, &cd); err != nil {
		return 0, apperr.Wrap(apperr.ErrInvalidSignature, "malformed client data")
	}
	if cd.Type != clientDataTypeGet {
		return 0, apperr.Wrap(apperr.ErrInvalidSignature, "client data is not an authentication assertion")
	}
	if challenge != nil && cd.Challenge != base64.RawURLEncoding.EncodeToString(challenge) {
		return 0, apperr.Wrap(apperr.ErrInvalidSignature, "client data challenge mismatch")
	}

	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(a.Signature, &sig)
	if err != nil || len(rest) != 0 || sig.R == nil || sig.S == nil {
		return 0, apperr.Wrap(apperr.ErrInvalidSignature, "malformed signature")
	}

	clientHash := sha256.Sum256(a.ClientDataJSON)
	signed := make([]byte, 0, len(a.AuthenticatorData)+len(clientHash))
	signed = append(signed, a.AuthenticatorData...)
	signed = append(signed, clientHash[:]...)
	digest := sha256.Sum256(signed)

	x := new(big.Int).SetBytes(publicKey[1:33])
	y := new(big.Int).SetBytes(publicKey[33:65])
	if !secp256r1.Verify(digest[:], sig.R, sig.S, x, y) {
		return 0, apperr.ErrInvalidSignature
	}
	return counter, nil
}
