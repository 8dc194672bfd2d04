package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// OwnerLookup reads the owner recorded by an account's wallet contract.
type OwnerLookup interface {
	Owner(ctx context.Context, account string) (string, error)
}

// OwnerReader calls owner() on Ownable wallet contracts. It needs no key.
type OwnerReader struct {
	client  ContractCaller
	ownable abi.ABI
}

var _ OwnerLookup = (*OwnerReader)(nil)

// NewOwnerReader creates a reader over client.
func NewOwnerReader(client ContractCaller) (*OwnerReader, error) {
	parsed, err := abi.JSON(strings.NewReader(ownableABI))
	if err != nil {
		return nil, fmt.Errorf("parse ownable ABI: %w", err)
	}
	return &OwnerReader{client: client, ownable: parsed}, nil
}

// Owner returns the lower-cased owner of account's wallet. A contract
// without owner() fails to decode and returns an error.
func (r *OwnerReader) Owner(ctx context.Context, account string) (string, error) {
	return readOwner(ctx, r.client, r.ownable, account)
}

func readOwner(ctx context.Context, client ContractCaller, ownable abi.ABI, account string) (string, error) {
	if !common.IsHexAddress(account) {
		return "", ErrInvalidAddress
	}
	wallet := common.HexToAddress(account)
	data, err := ownable.Pack("owner")
	if err != nil {
		return "", err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &wallet, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("call owner: %w", err)
	}
	values, err := ownable.Unpack("owner", out)
	if err != nil {
		return "", fmt.Errorf("decode owner: %w", err)
	}
	if len(values) != 1 {
		return "", fmt.Errorf("decode owner: got %d values", len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("decode owner: unexpected type %T", values[0])
	}
	if addr == (common.Address{}) {
		return "", fmt.Errorf("wallet %s has no owner", wallet.Hex())
	}
	return strings.ToLower(addr.Hex()), nil
}
