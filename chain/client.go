// Package chain is the engine's RPC gateway: ERC-20 and vault reads, gas
// estimation, transaction broadcast and receipt waits, all against a single
// EVM endpoint. Reads are wrapped in the network retry policy; sends are not
// blindly retried here (the executor owns send-side retry semantics).
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/emberfi/dca-engine/retry"
)

const (
	readAttempts = 3
	readBackoff  = 2 * time.Second

	receiptPollInterval = time.Second
)

// ErrReceiptTimeout is returned when a transaction does not confirm within
// the wait window.
var ErrReceiptTimeout = errors.New("timed out waiting for receipt")

// Backend is the subset of ethclient.Client the engine uses. Tests substitute
// an in-memory fake.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client wraps a Backend with the engine's retry policy and contract-call
// helpers.
type Client struct {
	backend Backend
	chainID *big.Int
	logger  log.Logger
}

// Dial connects to an RPC endpoint and verifies it answers eth_chainId.
func Dial(ctx context.Context, rawurl string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawurl, err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id from %s: %w", rawurl, err)
	}
	return NewClient(ec, chainID), nil
}

func NewClient(backend Backend, chainID *big.Int) *Client {
	return &Client{
		backend: backend,
		chainID: chainID,
		logger:  log.New("module", "chain"),
	}
}

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// EthBalance reads the native balance of an account.
func (c *Client) EthBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return retry.Value(ctx, "eth_getBalance", readAttempts, readBackoff, retry.Network, func() (*big.Int, error) {
		return c.backend.BalanceAt(ctx, account, nil)
	})
}

// EstimateGas estimates gas for a call, with network retry.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return retry.Value(ctx, "eth_estimateGas", readAttempts, readBackoff, retry.Network, func() (uint64, error) {
		return c.backend.EstimateGas(ctx, msg)
	})
}

// PendingNonce reads the account's nonce at the pending tag.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return retry.Value(ctx, "eth_getTransactionCount", readAttempts, readBackoff, retry.Network, func() (uint64, error) {
		return c.backend.PendingNonceAt(ctx, account)
	})
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return retry.Value(ctx, "eth_gasPrice", readAttempts, readBackoff, retry.Network, func() (*big.Int, error) {
		return c.backend.SuggestGasPrice(ctx)
	})
}

// SuggestGasTipCap returns the node's priority fee suggestion.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return retry.Value(ctx, "eth_maxPriorityFeePerGas", readAttempts, readBackoff, retry.Network, func() (*big.Int, error) {
		return c.backend.SuggestGasTipCap(ctx)
	})
}

// SendTransaction broadcasts a signed transaction. Send retry policy lives in
// the executor, so failures surface directly.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.backend.SendTransaction(ctx, tx)
}

// CallContract performs a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return retry.Value(ctx, "eth_call", readAttempts, readBackoff, retry.Network, func() ([]byte, error) {
		return c.backend.CallContract(ctx, msg, nil)
	})
}

// ReplayCall re-executes a call without retry, used for revert-reason
// extraction where the error payload is the interesting part.
func (c *Client) ReplayCall(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.backend.CallContract(ctx, msg, nil)
}

// WaitForReceipt polls for a transaction receipt until it lands or the
// timeout elapses.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: tx %s after %s", ErrReceiptTimeout, hash.Hex(), timeout)
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, hash)
			if err == nil && receipt != nil {
				return receipt, nil
			}
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				c.logger.Debug("Receipt poll failed", "tx", hash, "err", err)
			}
		}
	}
}
