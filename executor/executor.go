// Package executor signs and broadcasts transactions with the engine's hot
// key. It is the single-writer seam for the key's nonce sequence: callers
// hand it either a quote batch or a single contract call, and it serializes
// all signing behind one mutex per executor instance.
package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/emberfi/dca-engine/chain"
	"github.com/emberfi/dca-engine/core"
	"github.com/emberfi/dca-engine/retry"
)

const (
	defaultReceiptTimeout = 120 * time.Second

	sendAttempts = 3
	sendBackoff  = 2 * time.Second

	// gasBufferNum/Den apply a 20% safety margin on top of eth_estimateGas.
	gasBufferNum = 120
	gasBufferDen = 100
)

var (
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrUnsupportedChain    = errors.New("unsupported chain id")
)

// Result is the cumulative outcome of one batch.
type Result struct {
	FinalTxHash common.Hash
	GasUsed     uint64
	GasCostWei  *big.Int
	GasCostEth  string
}

// Executor owns the hot key and its nonce sequence.
type Executor struct {
	chain   *chain.Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID uint64
	signer  types.Signer

	receiptTimeout time.Duration

	mu     sync.Mutex // single writer: one batch or call at a time
	nonces nonceCache

	logger log.Logger
}

// New builds an executor from a hex-encoded private key.
func New(c *chain.Client, hexKey string, chainID uint64) (*Executor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Executor{
		chain:          c,
		key:            key,
		address:        addr,
		chainID:        chainID,
		signer:         types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
		receiptTimeout: defaultReceiptTimeout,
		logger:         log.New("module", "executor", "address", addr),
	}, nil
}

// Address returns the hot key's account.
func (e *Executor) Address() common.Address { return e.address }

// SetReceiptTimeout overrides the per-transaction confirmation window.
func (e *Executor) SetReceiptTimeout(d time.Duration) { e.receiptTimeout = d }

// ExecuteBatch broadcasts the quote's transactions in order and returns the
// final hash plus cumulative gas accounting. The nonce cache is reset before
// the batch and again on any failure so the next caller starts from the
// chain's pending count.
func (e *Executor) ExecuteBatch(ctx context.Context, tag string, txs []core.TransactionPlan) (*Result, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: empty transaction batch", core.ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nonces.reset()
	res := &Result{GasCostWei: new(big.Int)}
	for i, tx := range txs {
		receipt, signed, err := e.submit(ctx, tag, tx)
		if err != nil {
			e.nonces.reset()
			return nil, fmt.Errorf("transaction %d/%d: %w", i+1, len(txs), err)
		}
		res.GasUsed += receipt.GasUsed
		price := receipt.EffectiveGasPrice
		if price == nil || price.Sign() == 0 {
			price = signed.GasPrice()
		}
		res.GasCostWei.Add(res.GasCostWei, new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price))
		res.FinalTxHash = signed.Hash()
		e.logger.Debug("Batch transaction confirmed", "tag", tag, "index", i, "tx", signed.Hash(), "gasUsed", receipt.GasUsed)
	}
	res.GasCostEth = core.WeiToEth(res.GasCostWei)
	return res, nil
}

// ExecuteCall signs and broadcasts a single internal contract call (approve,
// transferFrom, vault deposit) and waits for its receipt.
func (e *Executor) ExecuteCall(ctx context.Context, tag string, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	planned := core.TransactionPlan{
		ChainID: e.chainID,
		To:      to.Hex(),
		Data:    hexutil.Encode(data),
	}
	if value != nil && value.Sign() > 0 {
		planned.Value = value.String()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	receipt, _, err := e.submit(ctx, tag, planned)
	if err != nil {
		e.nonces.reset()
		return nil, err
	}
	return receipt, nil
}

// submit validates, prices, signs, broadcasts and confirms one planned
// transaction. Callers hold e.mu.
func (e *Executor) submit(ctx context.Context, tag string, planned core.TransactionPlan) (*types.Receipt, *types.Transaction, error) {
	if planned.ChainID != e.chainID {
		return nil, nil, fmt.Errorf("%w: %d (executor is bound to %d)", ErrUnsupportedChain, planned.ChainID, e.chainID)
	}
	if !common.IsHexAddress(planned.To) {
		return nil, nil, fmt.Errorf("%w: bad to address %q", core.ErrValidation, planned.To)
	}
	to := common.HexToAddress(planned.To)

	data, err := decodeData(planned.Data)
	if err != nil {
		return nil, nil, err
	}
	value, err := parseBig(planned.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad value %q", core.ErrValidation, planned.Value)
	}
	if value != nil && value.Sign() > 0 {
		balance, err := e.chain.EthBalance(ctx, e.address)
		if err != nil {
			return nil, nil, err
		}
		if balance.Cmp(value) < 0 {
			return nil, nil, fmt.Errorf("%w: need %s wei, have %s", core.ErrInsufficientEth, value, balance)
		}
	}

	gas, err := e.gasLimit(ctx, planned, to, value, data)
	if err != nil {
		return nil, nil, err
	}
	fees, err := e.feeFields(ctx, planned)
	if err != nil {
		return nil, nil, err
	}

	var signed *types.Transaction
	err = retry.Do(ctx, "sendTransaction", sendAttempts, sendBackoff, retry.Nonce, func() error {
		nonce, err := e.nonces.next(ctx, e.chain, e.address, false)
		if err != nil {
			return err
		}
		tx, err := e.buildTx(to, value, data, gas, nonce, fees)
		if err != nil {
			return err
		}
		if err := e.chain.SendTransaction(ctx, tx); err != nil {
			if retry.Nonce(err) {
				e.logger.Warn("Nonce-shaped send failure, refreshing nonce", "tag", tag, "nonce", nonce, "err", err)
				e.nonces.reset()
			}
			return err
		}
		signed = tx
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	receipt, err := e.chain.WaitForReceipt(ctx, signed.Hash(), e.receiptTimeout)
	if err != nil {
		return nil, nil, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		reason := e.revertReason(ctx, ethereum.CallMsg{From: e.address, To: &to, Value: value, Data: data})
		if reason == "" {
			return nil, nil, fmt.Errorf("%w: tx %s", ErrTransactionReverted, signed.Hash())
		}
		return nil, nil, fmt.Errorf("%w: tx %s: %s", ErrTransactionReverted, signed.Hash(), reason)
	}
	return receipt, signed, nil
}

// gasLimit honors an explicit gas override from the quote, otherwise
// estimates and applies the safety buffer.
func (e *Executor) gasLimit(ctx context.Context, planned core.TransactionPlan, to common.Address, value *big.Int, data []byte) (uint64, error) {
	if planned.Gas != "" {
		g, err := parseBig(planned.Gas)
		if err != nil || !g.IsUint64() {
			return 0, fmt.Errorf("%w: bad gas %q", core.ErrValidation, planned.Gas)
		}
		return g.Uint64(), nil
	}
	estimate, err := e.chain.EstimateGas(ctx, ethereum.CallMsg{From: e.address, To: &to, Value: value, Data: data})
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return estimate * gasBufferNum / gasBufferDen, nil
}

type feeFields struct {
	gasFeeCap *big.Int // nil selects the legacy path
	gasTipCap *big.Int
	gasPrice  *big.Int
}

// feeFields overlays the quote's fee hints: the EIP-1559 pair wins, then an
// explicit gasPrice, then node suggestions with the fee cap set to double the
// suggested base price plus the tip.
func (e *Executor) feeFields(ctx context.Context, planned core.TransactionPlan) (feeFields, error) {
	maxFee, err := parseBig(planned.MaxFeePerGas)
	if err != nil {
		return feeFields{}, fmt.Errorf("%w: bad maxFeePerGas %q", core.ErrValidation, planned.MaxFeePerGas)
	}
	maxTip, err := parseBig(planned.MaxPriorityFeePerGas)
	if err != nil {
		return feeFields{}, fmt.Errorf("%w: bad maxPriorityFeePerGas %q", core.ErrValidation, planned.MaxPriorityFeePerGas)
	}
	if maxFee != nil && maxTip != nil {
		return feeFields{gasFeeCap: maxFee, gasTipCap: maxTip}, nil
	}
	gasPrice, err := parseBig(planned.GasPrice)
	if err != nil {
		return feeFields{}, fmt.Errorf("%w: bad gasPrice %q", core.ErrValidation, planned.GasPrice)
	}
	if gasPrice != nil {
		return feeFields{gasPrice: gasPrice}, nil
	}
	tip, err := e.chain.SuggestGasTipCap(ctx)
	if err != nil {
		return feeFields{}, err
	}
	base, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return feeFields{}, err
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	return feeFields{gasFeeCap: feeCap, gasTipCap: tip}, nil
}

func (e *Executor) buildTx(to common.Address, value *big.Int, data []byte, gas, nonce uint64, fees feeFields) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}
	var tx *types.Transaction
	if fees.gasFeeCap != nil {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(e.chainID),
			Nonce:     nonce,
			GasTipCap: fees.gasTipCap,
			GasFeeCap: fees.gasFeeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	return types.SignTx(tx, e.signer, e.key)
}

// decodeData accepts 0x-prefixed hex calldata or empty.
func decodeData(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	data, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad calldata: %v", core.ErrValidation, err)
	}
	return data, nil
}

// parseBig accepts hex (0x-prefixed) or base-10 strings; empty maps to nil.
func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeBig(s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}
