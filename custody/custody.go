// Package custody enforces the pre-swap token invariants: the executor must
// hold the plan's source amount and the router must be approved to spend it
// before any quote transaction is broadcast.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/emberfi/dca-engine/chain"
	"github.com/emberfi/dca-engine/core"
)

// ErrInsufficientUserApproval means the user has not granted the executor a
// large enough allowance to pull the plan's source amount. The message is
// user-facing via the execution history.
var ErrInsufficientUserApproval = errors.New("Insufficient user approval")

// Sender signs and broadcasts the custody writes with the executor key.
type Sender interface {
	Address() common.Address
	ExecuteCall(ctx context.Context, tag string, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
}

// ChainReader is the allowance-read surface; satisfied by *chain.Client.
type ChainReader interface {
	Erc20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Manager implements the two custody cases: self-execution (the user is the
// executor) and separate-executor (funds are pulled via transferFrom).
type Manager struct {
	chain  ChainReader
	sender Sender
	logger log.Logger
}

func NewManager(c ChainReader, sender Sender) *Manager {
	return &Manager{chain: c, sender: sender, logger: log.New("module", "custody")}
}

// Ensure guarantees that after return the executor holds at least amount of
// the token and the router can spend it. Approvals are topped up to the
// unlimited sentinel so subsequent plans skip the write.
func (m *Manager) Ensure(ctx context.Context, token core.TokenDescriptor, amount *big.Int, user, router common.Address) error {
	executor := m.sender.Address()
	if user == executor {
		return m.ensureSelf(ctx, token, amount, user, router)
	}
	return m.ensureSeparate(ctx, token, amount, user, executor, router)
}

func (m *Manager) ensureSelf(ctx context.Context, token core.TokenDescriptor, amount *big.Int, user, router common.Address) error {
	allowance, err := m.chain.Erc20Allowance(ctx, token.Address, user, router)
	if err != nil {
		return fmt.Errorf("read router allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	m.logger.Info("Approving router", "token", token.Symbol, "router", router)
	if _, err := m.sender.ExecuteCall(ctx, "approve", token.Address, chain.PackApprove(router, chain.MaxUint256), nil); err != nil {
		return fmt.Errorf("approve router: %w", err)
	}
	return nil
}

func (m *Manager) ensureSeparate(ctx context.Context, token core.TokenDescriptor, amount *big.Int, user, executor, router common.Address) error {
	routerAllowance, err := m.chain.Erc20Allowance(ctx, token.Address, executor, router)
	if err != nil {
		return fmt.Errorf("read router allowance: %w", err)
	}
	if routerAllowance.Cmp(amount) < 0 {
		m.logger.Info("Approving router from executor", "token", token.Symbol, "router", router)
		if _, err := m.sender.ExecuteCall(ctx, "approve", token.Address, chain.PackApprove(router, chain.MaxUint256), nil); err != nil {
			return fmt.Errorf("approve router: %w", err)
		}
	}

	userAllowance, err := m.chain.Erc20Allowance(ctx, token.Address, user, executor)
	if err != nil {
		return fmt.Errorf("read user allowance: %w", err)
	}
	if userAllowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: user %s granted %s, need %s %s", ErrInsufficientUserApproval,
			user, userAllowance, amount, token.Symbol)
	}

	// Fresh funds are always drawn even if the executor has a balance left
	// over: an existing balance may be owed to another plan in the same tick.
	m.logger.Info("Pulling funds from user", "token", token.Symbol, "user", user, "amount", amount)
	if _, err := m.sender.ExecuteCall(ctx, "transferFrom", token.Address, chain.PackTransferFrom(user, executor, amount), nil); err != nil {
		return fmt.Errorf("transferFrom user: %w", err)
	}
	return nil
}
