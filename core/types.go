// Package core defines the domain model shared by the DCA engine: plans,
// execution records, vault holdings and the wire-level swap types exchanged
// with the quoting service.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PlanStatus is the lifecycle state of a DCA plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "ACTIVE"
	PlanPaused    PlanStatus = "PAUSED"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// ExecutionStatus is the terminal state of a single execution attempt.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
	ExecutionPending ExecutionStatus = "PENDING"
)

const (
	// MinutesPerWeek is used when deriving the total execution count.
	MinutesPerWeek = 7 * 24 * 60

	MinIntervalMinutes = 2
	MaxIntervalMinutes = 43200
)

// Plan is a standing instruction to convert a fixed amount of FromToken into
// ToToken every IntervalMinutes for DurationWeeks. Plans are created by an
// external writer; the engine only advances them.
type Plan struct {
	ID              string
	UserAddress     common.Address
	FromToken       string // uppercased symbol
	ToToken         string
	Amount          string // human units, decimal string
	IntervalMinutes int
	DurationWeeks   int
	SlippagePercent string
	Status          PlanStatus
	ExecutionCount  int
	TotalExecutions int
	NextExecutionAt *time.Time // nil once completed
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TotalExecutionCount derives how many swaps a plan performs over its
// lifetime: floor(weeks * 10080 / interval).
func TotalExecutionCount(durationWeeks, intervalMinutes int) int {
	return durationWeeks * MinutesPerWeek / intervalMinutes
}

// Validate checks the writable plan fields against the schema bounds. It does
// not touch the chain or the registry.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty plan id", ErrValidation)
	}
	if p.UserAddress == (common.Address{}) {
		return fmt.Errorf("%w: zero user address", ErrValidation)
	}
	if p.FromToken == "" || p.ToToken == "" {
		return fmt.Errorf("%w: missing token symbol", ErrValidation)
	}
	if p.IntervalMinutes < MinIntervalMinutes || p.IntervalMinutes > MaxIntervalMinutes {
		return fmt.Errorf("%w: interval %d outside [%d, %d] minutes", ErrValidation,
			p.IntervalMinutes, MinIntervalMinutes, MaxIntervalMinutes)
	}
	if p.DurationWeeks <= 0 {
		return fmt.Errorf("%w: non-positive duration", ErrValidation)
	}
	amt, err := decimal.NewFromString(p.Amount)
	if err != nil || amt.Sign() <= 0 {
		return fmt.Errorf("%w: bad amount %q", ErrValidation, p.Amount)
	}
	if p.SlippagePercent != "" {
		slip, err := decimal.NewFromString(p.SlippagePercent)
		if err != nil || slip.Sign() < 0 {
			return fmt.Errorf("%w: bad slippage %q", ErrValidation, p.SlippagePercent)
		}
	}
	if p.ExecutionCount < 0 || p.ExecutionCount > p.TotalExecutions {
		return fmt.Errorf("%w: execution count %d exceeds total %d", ErrValidation,
			p.ExecutionCount, p.TotalExecutions)
	}
	return nil
}

// Due reports whether the plan should be picked up by a tick at now.
func (p *Plan) Due(now time.Time) bool {
	return p.Status == PlanActive && p.NextExecutionAt != nil && !p.NextExecutionAt.After(now)
}

// Execution is one append-only audit row per attempt on a plan (or per
// standalone swap, in which case PlanID is empty).
type Execution struct {
	ID            string
	PlanID        string
	ExecutedAt    time.Time
	FromAmount    string
	ToAmount      string
	ExchangeRate  string
	GasFee        string // total ETH cost, empty on failure
	TxHash        string // empty on failure
	Status        ExecutionStatus
	ErrorMessage  string
	VaultAddress  string
	ShareTokens   string
	DepositTxHash string
}

// VaultHolding tracks the shares a user owns in one vault. Keyed by
// (UserAddress, VaultAddress); ShareTokens is a decimal string at the vault's
// own share decimals.
type VaultHolding struct {
	ID           string
	UserAddress  common.Address
	VaultAddress common.Address
	TokenSymbol  string
	ShareTokens  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenDescriptor identifies one deployment of a token on one chain.
type TokenDescriptor struct {
	Symbol   string
	ChainID  uint64
	Address  common.Address
	Decimals uint8
	Name     string
}

// Key returns the registry lookup key for the descriptor.
func (d TokenDescriptor) Key() string {
	return fmt.Sprintf("%s/%d", strings.ToUpper(d.Symbol), d.ChainID)
}

// TransactionPlan is one atomic transaction handed back by the quoting
// service. Numeric fields are strings on the wire (hex or base-10) and are
// parsed by the executor; the value is treated as immutable.
type TransactionPlan struct {
	ChainID              uint64 `json:"chainId"`
	To                   string `json:"to"`
	Data                 string `json:"data"`
	Value                string `json:"value,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

// SwapPlan is the quoting service's answer to a swap request: the ordered
// transactions to broadcast plus display amounts for the audit trail.
type SwapPlan struct {
	Transactions      []TransactionPlan
	DisplayFromAmount string
	DisplayToAmount   string
	EffectivePrice    string
}
