package chain

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// P256VerifyAddress is the RIP-7212 precompile.
var P256VerifyAddress = common.HexToAddress("0x0000000000000000000000000000000000000100")

// ContractCaller is the subset of EthClient the probe needs.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PrecompileProbe detects P-256 support by calling the precompile with a
// signature it generated itself. A chain without the precompile returns
// empty output. The first definite answer is cached.
type PrecompileProbe struct {
	client ContractCaller
	input  []byte

	mu     sync.Mutex
	known  bool
	answer bool
}

// NewPrecompileProbe creates a probe over client.
func NewPrecompileProbe(client ContractCaller) (*PrecompileProbe, error) {
	input, err := probeInput()
	if err != nil {
		return nil, err
	}
	return &PrecompileProbe{client: client, input: input}, nil
}

// probeInput builds hash | r | s | x | y for a fresh valid signature.
func probeInput() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate probe key: %w", err)
	}
	digest := sha256.Sum256([]byte("p256verify probe"))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign probe: %w", err)
	}
	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}
	point := pub.Bytes() // 0x04 | x | y

	input := make([]byte, 0, 160)
	input = append(input, digest[:]...)
	input = append(input, common.LeftPadBytes(r.Bytes(), 32)...)
	input = append(input, common.LeftPadBytes(s.Bytes(), 32)...)
	input = append(input, point[1:]...)
	return input, nil
}

// SupportsP256 reports whether the precompile verified the probe signature.
func (p *PrecompileProbe) SupportsP256(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known {
		return p.answer, nil
	}

	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &P256VerifyAddress, Data: p.input}, nil)
	if err != nil {
		return false, fmt.Errorf("call p256verify: %w", err)
	}
	p.answer = len(out) == 32 && new(big.Int).SetBytes(out).Cmp(big.NewInt(1)) == 0
	p.known = true
	return p.answer, nil
}
