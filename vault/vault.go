// Package vault performs the optional post-swap deposit of received assets
// into a yield vault and the matching withdrawal path. The contract shape
// (ERC-4626 receiver-crediting vs a simple caller-credited form) is a
// deployment choice, so both live behind one Adapter interface; correctness
// rests on the snapshot-diff of share balances, never on quoted estimates.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/emberfi/dca-engine/chain"
	"github.com/emberfi/dca-engine/core"
)

// Kind selects the deployed vault's interface shape.
type Kind string

const (
	KindERC4626 Kind = "erc4626"
	KindSimple  Kind = "simple"
)

// Config binds a destination token to its vault deployment.
type Config struct {
	Address common.Address
	Kind    Kind
}

// ErrInsufficientBalance means the executor does not hold the assets it is
// being asked to deposit.
var ErrInsufficientBalance = errors.New("insufficient balance for vault deposit")

// Sender signs the vault writes with the executor key.
type Sender interface {
	Address() common.Address
	ExecuteCall(ctx context.Context, tag string, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
}

// ChainReader is the read surface the adapters need; satisfied by
// *chain.Client.
type ChainReader interface {
	Erc20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Erc20BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	Erc20Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// DepositResult reports the measured share delta of a deposit.
type DepositResult struct {
	Shares        *big.Int
	ShareTokens   string // formatted at the vault's share decimals
	ShareDecimals uint8
	TxHash        common.Hash
}

// WithdrawResult carries the withdrawal hash; received assets are measured by
// the caller via its own token balance diff.
type WithdrawResult struct {
	TxHash common.Hash
}

// Adapter is one vault deployment the engine can deposit into.
type Adapter interface {
	Address() common.Address
	ShareDecimals(ctx context.Context) (uint8, error)
	Deposit(ctx context.Context, token core.TokenDescriptor, amount *big.Int, user common.Address) (*DepositResult, error)
	Withdraw(ctx context.Context, shares *big.Int, user common.Address) (*WithdrawResult, error)
}

// NewAdapter builds the adapter for a configured vault.
func NewAdapter(cfg Config, c ChainReader, sender Sender) Adapter {
	base := &adapterBase{
		vault:  cfg.Address,
		chain:  c,
		sender: sender,
		logger: log.New("module", "vault", "vault", cfg.Address),
	}
	if cfg.Kind == KindSimple {
		return &simpleAdapter{base}
	}
	return &erc4626Adapter{base}
}

type adapterBase struct {
	vault  common.Address
	chain  ChainReader
	sender Sender
	logger log.Logger

	decOnce sync.Once
	dec     uint8
	decErr  error
}

func (a *adapterBase) Address() common.Address { return a.vault }

// ShareDecimals reads the vault's own decimals once and caches them. Share
// arithmetic must use these, not the underlying token's decimals.
func (a *adapterBase) ShareDecimals(ctx context.Context) (uint8, error) {
	a.decOnce.Do(func() {
		a.dec, a.decErr = a.chain.Erc20Decimals(ctx, a.vault)
	})
	return a.dec, a.decErr
}

// prepare verifies the executor's asset balance and tops up the vault
// allowance ahead of a deposit.
func (a *adapterBase) prepare(ctx context.Context, token core.TokenDescriptor, amount *big.Int) error {
	executor := a.sender.Address()
	balance, err := a.chain.Erc20BalanceOf(ctx, token.Address, executor)
	if err != nil {
		return fmt.Errorf("read executor balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientBalance, balance, amount, token.Symbol)
	}
	allowance, err := a.chain.Erc20Allowance(ctx, token.Address, executor, a.vault)
	if err != nil {
		return fmt.Errorf("read vault allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		if _, err := a.sender.ExecuteCall(ctx, "vault-approve", token.Address, chain.PackApprove(a.vault, chain.MaxUint256), nil); err != nil {
			return fmt.Errorf("approve vault: %w", err)
		}
	}
	return nil
}

// depositAndMeasure runs the snapshot-deposit-snapshot sequence against the
// share balance of holder and formats the measured delta.
func (a *adapterBase) depositAndMeasure(ctx context.Context, data []byte, holder common.Address) (*DepositResult, error) {
	decimals, err := a.ShareDecimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("read share decimals: %w", err)
	}
	before, err := a.chain.Erc20BalanceOf(ctx, a.vault, holder)
	if err != nil {
		return nil, fmt.Errorf("snapshot shares before: %w", err)
	}
	receipt, err := a.sender.ExecuteCall(ctx, "vault-deposit", a.vault, data, nil)
	if err != nil {
		return nil, err
	}
	after, err := a.chain.Erc20BalanceOf(ctx, a.vault, holder)
	if err != nil {
		return nil, fmt.Errorf("snapshot shares after: %w", err)
	}
	shares := new(big.Int).Sub(after, before)
	if shares.Sign() < 0 {
		shares.SetInt64(0)
	}
	return &DepositResult{
		Shares:        shares,
		ShareTokens:   core.FormatUnits(shares, decimals),
		ShareDecimals: decimals,
		TxHash:        receipt.TxHash,
	}, nil
}

// erc4626Adapter credits shares straight to the end user.
type erc4626Adapter struct{ *adapterBase }

func (a *erc4626Adapter) Deposit(ctx context.Context, token core.TokenDescriptor, amount *big.Int, user common.Address) (*DepositResult, error) {
	if err := a.prepare(ctx, token, amount); err != nil {
		return nil, err
	}
	return a.depositAndMeasure(ctx, chain.Pack4626Deposit(amount, user), user)
}

func (a *erc4626Adapter) Withdraw(ctx context.Context, shares *big.Int, user common.Address) (*WithdrawResult, error) {
	receipt, err := a.sender.ExecuteCall(ctx, "vault-redeem", a.vault, chain.Pack4626Redeem(shares, a.sender.Address(), user), nil)
	if err != nil {
		return nil, err
	}
	return &WithdrawResult{TxHash: receipt.TxHash}, nil
}

// simpleAdapter credits shares to the caller, i.e. the executor.
type simpleAdapter struct{ *adapterBase }

func (a *simpleAdapter) Deposit(ctx context.Context, token core.TokenDescriptor, amount *big.Int, user common.Address) (*DepositResult, error) {
	if err := a.prepare(ctx, token, amount); err != nil {
		return nil, err
	}
	return a.depositAndMeasure(ctx, chain.PackSimpleDeposit(amount), a.sender.Address())
}

func (a *simpleAdapter) Withdraw(ctx context.Context, shares *big.Int, user common.Address) (*WithdrawResult, error) {
	receipt, err := a.sender.ExecuteCall(ctx, "vault-withdraw", a.vault, chain.PackSimpleWithdraw(shares), nil)
	if err != nil {
		return nil, err
	}
	return &WithdrawResult{TxHash: receipt.TxHash}, nil
}
