// Package store persists plans, execution history and vault holdings. The
// engine is a reader/advancer: plans are created and status-managed by an
// external writer against the same tables.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emberfi/dca-engine/core"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("record not found")

// PlanStore is the durable state surface used by the scheduler and pipeline.
type PlanStore interface {
	// Plan fetches one plan by id.
	Plan(ctx context.Context, id string) (*core.Plan, error)

	// DuePlans selects ACTIVE plans whose nextExecutionAt is at or before
	// now, ordered by nextExecutionAt ascending, and leases each selected
	// row for the given window so a concurrent scheduler skips it.
	DuePlans(ctx context.Context, now time.Time, lease time.Duration) ([]*core.Plan, error)

	// UpdatePlan persists the plan's mutable fields and releases its lease.
	UpdatePlan(ctx context.Context, plan *core.Plan) error

	// ReleaseLease drops the selection lease on a plan without touching its
	// fields, making the plan selectable again on the next tick. Used when an
	// execution fails and the plan is deliberately left unadvanced.
	ReleaseLease(ctx context.Context, planID string) error

	// CountActivePlans counts plans with status ACTIVE.
	CountActivePlans(ctx context.Context) (int, error)

	// RecordExecution appends one audit row.
	RecordExecution(ctx context.Context, exec *core.Execution) error

	// LatestExecution returns the most recent execution for a plan, or
	// ErrNotFound when the plan has never run.
	LatestExecution(ctx context.Context, planID string) (*core.Execution, error)

	// Holding fetches the (user, vault) share holding, or ErrNotFound.
	Holding(ctx context.Context, user, vault common.Address) (*core.VaultHolding, error)

	// AddHoldingShares adds an atomic share delta to the (user, vault)
	// holding with integer-exact arithmetic at the vault's decimals,
	// creating the row if absent.
	AddHoldingShares(ctx context.Context, user, vault common.Address, symbol string, delta *big.Int, decimals uint8) (*core.VaultHolding, error)

	// SubHoldingShares subtracts shares, deleting the row when the balance
	// reaches zero.
	SubHoldingShares(ctx context.Context, user, vault common.Address, delta *big.Int, decimals uint8) error
}
