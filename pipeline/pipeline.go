// Package pipeline executes exactly one DCA iteration: resolve tokens,
// establish custody, fetch a quote, broadcast it, measure what actually
// arrived, optionally push the proceeds into a vault, and record the outcome.
// Persisted amounts always come from balance diffs, never from estimates.
package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/emberfi/dca-engine/core"
	"github.com/emberfi/dca-engine/executor"
	"github.com/emberfi/dca-engine/quote"
	"github.com/emberfi/dca-engine/store"
	"github.com/emberfi/dca-engine/tokens"
	"github.com/emberfi/dca-engine/vault"
)

// MinSlippagePercent is the floor applied to plan slippage before quoting.
const MinSlippagePercent = "0.3"

// QuoteService produces swap plans; implemented by quote.Client.
type QuoteService interface {
	CreateSwap(ctx context.Context, req quote.SwapRequest) (*core.SwapPlan, error)
}

// BatchExecutor broadcasts the quote transactions; implemented by
// executor.Executor.
type BatchExecutor interface {
	Address() common.Address
	ExecuteBatch(ctx context.Context, tag string, txs []core.TransactionPlan) (*executor.Result, error)
}

// CustodyEnsurer establishes pre-swap token custody; implemented by
// custody.Manager.
type CustodyEnsurer interface {
	Ensure(ctx context.Context, token core.TokenDescriptor, amount *big.Int, user, router common.Address) error
}

// BalanceReader is the chain-read subset used for pre/post measurement.
type BalanceReader interface {
	Erc20BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// Config carries the deployment constants of the pipeline.
type Config struct {
	ChainID uint64
	Router  common.Address
}

// Pipeline wires the collaborators for one deployment.
type Pipeline struct {
	cfg      Config
	store    store.PlanStore
	registry *tokens.Registry
	quotes   QuoteService
	chain    BalanceReader
	exec     BatchExecutor
	custody  CustodyEnsurer
	vaults   map[string]vault.Adapter // keyed by uppercased destination symbol
	logger   log.Logger
}

func New(cfg Config, st store.PlanStore, reg *tokens.Registry, quotes QuoteService,
	chainReader BalanceReader, exec BatchExecutor, cust CustodyEnsurer,
	vaults map[string]vault.Adapter) *Pipeline {
	normalized := make(map[string]vault.Adapter, len(vaults))
	for sym, a := range vaults {
		normalized[strings.ToUpper(sym)] = a
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		registry: reg,
		quotes:   quotes,
		chain:    chainReader,
		exec:     exec,
		custody:  cust,
		vaults:   normalized,
		logger:   log.New("module", "pipeline"),
	}
}

// Request is one swap to perform. PlanID is empty for standalone swaps; in
// that case no plan is advanced and the execution row has no plan reference.
type Request struct {
	PlanID          string
	FromToken       string
	ToToken         string
	Amount          string // human units
	UserAddress     common.Address
	SlippagePercent string
}

// Execute runs the full iteration. On success the execution row is SUCCESS
// and, for plan-driven requests, the plan is advanced (possibly to
// COMPLETED). On failure a FAILED row is recorded for plan-driven requests,
// the plan is left untouched, and the error propagates.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*core.Execution, error) {
	exec, err := p.run(ctx, req)
	if err != nil {
		p.logger.Warn("Swap failed", "plan", req.PlanID, "from", req.FromToken, "to", req.ToToken, "err", err)
		if req.PlanID != "" {
			failed := &core.Execution{
				PlanID:       req.PlanID,
				ExecutedAt:   time.Now().UTC(),
				FromAmount:   req.Amount,
				Status:       core.ExecutionFailed,
				ErrorMessage: err.Error(),
			}
			if recErr := p.store.RecordExecution(ctx, failed); recErr != nil {
				p.logger.Error("Failed to record failed execution", "plan", req.PlanID, "err", recErr)
			}
		}
		return nil, err
	}
	return exec, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*core.Execution, error) {
	fromTok, err := p.registry.Resolve(req.FromToken, p.cfg.ChainID)
	if err != nil {
		return nil, err
	}
	toTok, err := p.registry.Resolve(req.ToToken, p.cfg.ChainID)
	if err != nil {
		return nil, err
	}

	// Atomic amount always derives from the descriptor's declared decimals.
	atomicAmount, err := core.ParseUnits(req.Amount, fromTok.Decimals)
	if err != nil {
		return nil, err
	}
	if atomicAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount %q", core.ErrValidation, req.Amount)
	}

	if err := p.custody.Ensure(ctx, fromTok, atomicAmount, req.UserAddress, p.cfg.Router); err != nil {
		return nil, err
	}

	slippage, err := clampSlippage(req.SlippagePercent)
	if err != nil {
		return nil, err
	}
	swap, err := p.quotes.CreateSwap(ctx, quote.SwapRequest{
		BaseToken:         quote.TokenID{ChainID: fromTok.ChainID, Address: fromTok.Address.Hex()},
		QuoteToken:        quote.TokenID{ChainID: toTok.ChainID, Address: toTok.Address.Hex()},
		Amount:            atomicAmount.String(),
		Recipient:         req.UserAddress.Hex(),
		SlippageTolerance: slippage,
	})
	if err != nil {
		return nil, err
	}

	adapter := p.vaults[strings.ToUpper(req.ToToken)]
	var balanceBefore *big.Int
	if adapter != nil {
		balanceBefore, err = p.chain.Erc20BalanceOf(ctx, toTok.Address, p.exec.Address())
		if err != nil {
			return nil, fmt.Errorf("pre-measure %s balance: %w", toTok.Symbol, err)
		}
	}

	tag := req.PlanID
	if tag == "" {
		tag = "standalone"
	}
	result, err := p.exec.ExecuteBatch(ctx, tag, swap.Transactions)
	if err != nil {
		return nil, err
	}

	record := &core.Execution{
		PlanID:       req.PlanID,
		ExecutedAt:   time.Now().UTC(),
		FromAmount:   req.Amount,
		ToAmount:     swap.DisplayToAmount,
		ExchangeRate: swap.EffectivePrice,
		GasFee:       result.GasCostEth,
		TxHash:       result.FinalTxHash.Hex(),
		Status:       core.ExecutionSuccess,
	}

	if adapter != nil {
		if err := p.depositToVault(ctx, adapter, toTok, balanceBefore, req.UserAddress, record); err != nil {
			// The swap itself confirmed; a vault failure fails the iteration
			// so the plan retries rather than silently skipping the deposit.
			return nil, err
		}
	}

	if err := p.store.RecordExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	if req.PlanID != "" {
		if err := p.advancePlan(ctx, req.PlanID); err != nil {
			return nil, err
		}
	}
	p.logger.Info("Swap executed", "plan", req.PlanID, "from", req.FromToken, "to", req.ToToken,
		"tx", record.TxHash, "gasFee", record.GasFee)
	return record, nil
}

// depositToVault measures the received destination tokens and pushes them
// into the configured vault, updating the user's holding by the exact share
// delta.
func (p *Pipeline) depositToVault(ctx context.Context, adapter vault.Adapter, toTok core.TokenDescriptor,
	balanceBefore *big.Int, user common.Address, record *core.Execution) error {
	balanceAfter, err := p.chain.Erc20BalanceOf(ctx, toTok.Address, p.exec.Address())
	if err != nil {
		return fmt.Errorf("post-measure %s balance: %w", toTok.Symbol, err)
	}
	received := new(big.Int).Sub(balanceAfter, balanceBefore)
	if received.Sign() <= 0 {
		p.logger.Debug("No received balance to deposit", "token", toTok.Symbol)
		return nil
	}
	dep, err := adapter.Deposit(ctx, toTok, received, user)
	if err != nil {
		return fmt.Errorf("vault deposit: %w", err)
	}
	if _, err := p.store.AddHoldingShares(ctx, user, adapter.Address(), toTok.Symbol, dep.Shares, dep.ShareDecimals); err != nil {
		return fmt.Errorf("update vault holding: %w", err)
	}
	record.VaultAddress = adapter.Address().Hex()
	record.ShareTokens = dep.ShareTokens
	record.DepositTxHash = dep.TxHash.Hex()
	return nil
}

// advancePlan increments the execution counter and either schedules the next
// run or completes the plan.
func (p *Pipeline) advancePlan(ctx context.Context, planID string) error {
	plan, err := p.store.Plan(ctx, planID)
	if err != nil {
		return fmt.Errorf("load plan for advance: %w", err)
	}
	plan.ExecutionCount++
	if plan.ExecutionCount >= plan.TotalExecutions {
		plan.Status = core.PlanCompleted
		plan.NextExecutionAt = nil
	} else {
		next := time.Now().UTC().Add(time.Duration(plan.IntervalMinutes) * time.Minute)
		plan.NextExecutionAt = &next
	}
	if err := p.store.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("advance plan: %w", err)
	}
	return nil
}

// clampSlippage normalizes the percentage string and enforces the floor.
func clampSlippage(s string) (string, error) {
	if s == "" {
		return MinSlippagePercent, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil || v.Sign() < 0 {
		return "", fmt.Errorf("%w: bad slippage %q", core.ErrValidation, s)
	}
	floor := decimal.RequireFromString(MinSlippagePercent)
	if v.LessThan(floor) {
		return MinSlippagePercent, nil
	}
	return v.String(), nil
}
