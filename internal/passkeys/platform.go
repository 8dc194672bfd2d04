package passkeys

import "context"

// PlatformSupport reports whether the target chain can verify P-256
// signatures on-chain (the RIP-7212 P256VERIFY precompile).
type PlatformSupport interface {
	SupportsP256(ctx context.Context) (bool, error)
}

// KnownP256Chains lists chain ids that ship the RIP-7212 precompile.
var KnownP256Chains = []uint64{
	10,       // OP Mainnet
	137,      // Polygon PoS
	324,      // zkSync Era
	8453,     // Base
	42161,    // Arbitrum One
	84532,    // Base Sepolia
	11155420, // OP Sepolia
}

// StaticSupport answers from a fixed allow-list of chain ids.
type StaticSupport struct {
	chainID uint64
	allowed map[uint64]bool
}

// NewStaticSupport reports support for chainID if it is in allowed. A nil
// allowed list uses KnownP256Chains.
func NewStaticSupport(chainID uint64, allowed []uint64) *StaticSupport {
	if allowed == nil {
		allowed = KnownP256Chains
	}
	set := make(map[uint64]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	return &StaticSupport{chainID: chainID, allowed: set}
}

func (s *StaticSupport) SupportsP256(context.Context) (bool, error) {
	return s.allowed[s.chainID], nil
}
