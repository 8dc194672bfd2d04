// Package chain rotates the owner of a smart-contract wallet on chain and
// probes the chain for P-256 signature support.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/guardian/internal/retry"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// RotationError wraps a failed owner rotation with the step that failed.
type RotationError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *RotationError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Executor installs a new owner on an account's wallet contract.
type Executor interface {
	ExecuteOwnerRotation(ctx context.Context, account, newOwner string) (*Receipt, error)
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const ownableABI = `[
	{"inputs":[{"name":"newOwner","type":"address"}],"name":"transferOwnership","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"owner","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const (
	DefaultGasLimit            = uint64(120000)
	DefaultConfirmationTimeout = 2 * time.Minute
	ConfirmationPollInterval   = 2 * time.Second

	sendAttempts  = 3
	sendBaseDelay = 500 * time.Millisecond
)

// Config for creating an EthExecutor.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, optional 0x prefix
	ChainID    int64
	// WaitForReceipt makes ExecuteOwnerRotation wait until the transaction
	// is mined.
	WaitForReceipt bool
}

// Option configures the executor.
type Option func(*EthExecutor)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(e *EthExecutor) {
		e.client = client
	}
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *EthExecutor) {
		e.pollInterval = d
	}
}

// Receipt describes a submitted owner rotation.
type Receipt struct {
	TxHash      string `json:"txHash"`
	Account     string `json:"account"`
	NewOwner    string `json:"newOwner"`
	Nonce       uint64 `json:"nonce"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
}

// EthExecutor sends transferOwnership(newOwner) to the account's wallet
// contract from a relayer key that the contract authorizes.
type EthExecutor struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	ownable      abi.ABI
	wait         bool
	pollInterval time.Duration
	retryDelay   time.Duration
}

var _ Executor = (*EthExecutor)(nil)

// NewEthExecutor creates an executor, dialing cfg.RPCURL unless a client
// is supplied.
func NewEthExecutor(cfg Config, opts ...Option) (*EthExecutor, error) {
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain: chain id is required")
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(ownableABI))
	if err != nil {
		return nil, fmt.Errorf("parse ownable ABI: %w", err)
	}

	e := &EthExecutor{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		ownable:      parsed,
		wait:         cfg.WaitForReceipt,
		pollInterval: ConfirmationPollInterval,
		retryDelay:   sendBaseDelay,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("chain: rpc url is required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial rpc: %w", err)
		}
		e.client = client
	}
	return e, nil
}

// Address returns the relayer address.
func (e *EthExecutor) Address() string {
	return e.address.Hex()
}

// Ping checks that the RPC endpoint answers.
func (e *EthExecutor) Ping(ctx context.Context) error {
	if _, err := e.client.SuggestGasPrice(ctx); err != nil {
		return fmt.Errorf("chain: rpc unreachable: %w", err)
	}
	return nil
}

// ExecuteOwnerRotation submits the ownership transfer.
func (e *EthExecutor) ExecuteOwnerRotation(ctx context.Context, account, newOwner string) (*Receipt, error) {
	if !common.IsHexAddress(account) || !common.IsHexAddress(newOwner) {
		return nil, ErrInvalidAddress
	}
	wallet := common.HexToAddress(account)
	owner := common.HexToAddress(newOwner)

	data, err := e.ownable.Pack("transferOwnership", owner)
	if err != nil {
		return nil, &RotationError{Op: "pack", Err: err}
	}

	var signed *types.Transaction
	err = retry.Do(ctx, sendAttempts, e.retryDelay, func() error {
		tx, err := e.buildTx(ctx, wallet, data)
		if err != nil {
			return err
		}
		signed, err = types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
		if err != nil {
			return retry.Permanent(&RotationError{Op: "sign", Err: err})
		}
		if err := e.client.SendTransaction(ctx, signed); err != nil {
			return &RotationError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		TxHash:   signed.Hash().Hex(),
		Account:  wallet.Hex(),
		NewOwner: owner.Hex(),
		Nonce:    signed.Nonce(),
	}
	if !e.wait {
		return receipt, nil
	}
	return e.waitForConfirmation(ctx, receipt, DefaultConfirmationTimeout)
}

func (e *EthExecutor) buildTx(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return nil, &RotationError{Op: "nonce", Err: err}
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &RotationError{Op: "gas_price", Err: err}
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}
	return types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data), nil
}

func (e *EthExecutor) waitForConfirmation(ctx context.Context, r *Receipt, timeout time.Duration) (*Receipt, error) {
	hash := common.HexToHash(r.TxHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, r.TxHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &RotationError{Op: "confirm", TxHash: r.TxHash, Err: ErrTransactionFailed}
			}
			r.BlockNumber = receipt.BlockNumber.Uint64()
			r.GasUsed = receipt.GasUsed
			return r, nil
		}
	}
}

// Owner reads the current owner of a wallet contract.
func (e *EthExecutor) Owner(ctx context.Context, account string) (string, error) {
	return readOwner(ctx, e.client, e.ownable, account)
}

// Close closes the client connection.
func (e *EthExecutor) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}
