package store

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emberfi/dca-engine/core"
)

func memPlan(id string, next time.Time) *core.Plan {
	return &core.Plan{
		ID:              id,
		UserAddress:     common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		FromToken:       "USDC",
		ToToken:         "WETH",
		Amount:          "100",
		IntervalMinutes: 1440,
		DurationWeeks:   4,
		Status:          core.PlanActive,
		TotalExecutions: 28,
		NextExecutionAt: &next,
	}
}

func TestDuePlansSelection(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s.PutPlan(memPlan("past", now.Add(-time.Hour)))
	s.PutPlan(memPlan("boundary", now)) // nextExecutionAt == now is due
	s.PutPlan(memPlan("future", now.Add(time.Minute)))

	paused := memPlan("paused", now.Add(-time.Hour))
	paused.Status = core.PlanPaused
	s.PutPlan(paused)

	done := memPlan("done", now)
	done.Status = core.PlanCompleted
	done.NextExecutionAt = nil
	s.PutPlan(done)

	due, err := s.DuePlans(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("DuePlans: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d plans, want 2", len(due))
	}
	// Ordered by nextExecutionAt ascending.
	if due[0].ID != "past" || due[1].ID != "boundary" {
		t.Fatalf("due order = %s, %s", due[0].ID, due[1].ID)
	}
}

func TestDuePlansLease(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s.PutPlan(memPlan("p1", now.Add(-time.Minute)))

	first, err := s.DuePlans(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("DuePlans: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first pass = %d plans, want 1", len(first))
	}

	// A second scheduler ticking inside the lease window sees nothing.
	second, err := s.DuePlans(ctx, now.Add(time.Second), time.Minute)
	if err != nil {
		t.Fatalf("DuePlans: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("leased plan re-selected: %d", len(second))
	}

	// After the lease expires the plan is selectable again.
	third, err := s.DuePlans(ctx, now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("DuePlans: %v", err)
	}
	if len(third) != 1 {
		t.Fatalf("expired lease not released: %d", len(third))
	}
}

func TestUpdatePlanReleasesLease(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s.PutPlan(memPlan("p1", now.Add(-time.Minute)))

	due, _ := s.DuePlans(ctx, now, time.Hour)
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	p := due[0]
	p.ExecutionCount = 1
	next := now.Add(24 * time.Hour)
	p.NextExecutionAt = &next
	if err := s.UpdatePlan(ctx, p); err != nil {
		t.Fatalf("UpdatePlan: %v", err)
	}

	// The advanced plan is not due now; rewind its schedule and it must be
	// selectable immediately, proving UpdatePlan dropped the hour-long lease.
	past := now.Add(-time.Second)
	p.NextExecutionAt = &past
	if err := s.UpdatePlan(ctx, p); err != nil {
		t.Fatalf("UpdatePlan: %v", err)
	}
	again, _ := s.DuePlans(ctx, now, time.Minute)
	if len(again) != 1 {
		t.Fatal("UpdatePlan did not release the lease")
	}

	got, err := s.Plan(ctx, "p1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got.ExecutionCount != 1 {
		t.Fatalf("ExecutionCount = %d, want 1", got.ExecutionCount)
	}
}

func TestReleaseLease(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s.PutPlan(memPlan("p1", now.Add(-time.Minute)))

	due, err := s.DuePlans(ctx, now, time.Hour)
	if err != nil {
		t.Fatalf("DuePlans: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	// The plan failed without being advanced; releasing the lease makes it
	// selectable again well before the hour-long window elapses.
	if err := s.ReleaseLease(ctx, "p1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	again, err := s.DuePlans(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("DuePlans: %v", err)
	}
	if len(again) != 1 {
		t.Fatal("released plan not selectable")
	}

	// Releasing an unleased or unknown plan is a no-op.
	if err := s.ReleaseLease(ctx, "ghost"); err != nil {
		t.Fatalf("ReleaseLease on unknown plan: %v", err)
	}
}

func TestUpdateMissingPlan(t *testing.T) {
	s := NewMemStore()
	err := s.UpdatePlan(context.Background(), memPlan("ghost", time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdatePlan = %v, want ErrNotFound", err)
	}
}

func TestCountActivePlans(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()
	s.PutPlan(memPlan("a", now))
	s.PutPlan(memPlan("b", now))
	paused := memPlan("c", now)
	paused.Status = core.PlanPaused
	s.PutPlan(paused)

	n, err := s.CountActivePlans(ctx)
	if err != nil {
		t.Fatalf("CountActivePlans: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountActivePlans = %d, want 2", n)
	}
}

func TestExecutionLog(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.LatestExecution(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestExecution on empty log = %v, want ErrNotFound", err)
	}

	if err := s.RecordExecution(ctx, &core.Execution{PlanID: "p1", Status: core.ExecutionFailed, ErrorMessage: "timeout"}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := s.RecordExecution(ctx, &core.Execution{PlanID: "p1", Status: core.ExecutionSuccess, TxHash: "0xabc"}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	latest, err := s.LatestExecution(ctx, "p1")
	if err != nil {
		t.Fatalf("LatestExecution: %v", err)
	}
	if latest.Status != core.ExecutionSuccess {
		t.Fatalf("latest status = %s, want SUCCESS", latest.Status)
	}
	if latest.ID == "" || latest.ExecutedAt.IsZero() {
		t.Fatal("RecordExecution should stamp id and timestamp")
	}
	if len(s.Executions()) != 2 {
		t.Fatalf("Executions = %d rows, want 2", len(s.Executions()))
	}
}

func TestHoldingsLifecycle(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	user := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	vaultAddr := common.HexToAddress("0x000000000000000000000000000000000000beef")

	if _, err := s.Holding(ctx, user, vaultAddr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Holding on empty store = %v, want ErrNotFound", err)
	}

	delta, _ := new(big.Int).SetString("99000000000000000000", 10)
	h, err := s.AddHoldingShares(ctx, user, vaultAddr, "WETH", delta, 18)
	if err != nil {
		t.Fatalf("AddHoldingShares: %v", err)
	}
	if h.ShareTokens != "99" {
		t.Fatalf("ShareTokens = %q, want 99", h.ShareTokens)
	}

	ten, _ := new(big.Int).SetString("10000000000000000000", 10)
	h, err = s.AddHoldingShares(ctx, user, vaultAddr, "WETH", ten, 18)
	if err != nil {
		t.Fatalf("AddHoldingShares: %v", err)
	}
	if h.ShareTokens != "109" {
		t.Fatalf("ShareTokens = %q, want 109", h.ShareTokens)
	}

	if err := s.SubHoldingShares(ctx, user, vaultAddr, ten, 18); err != nil {
		t.Fatalf("SubHoldingShares: %v", err)
	}
	h2, err := s.Holding(ctx, user, vaultAddr)
	if err != nil {
		t.Fatalf("Holding: %v", err)
	}
	if h2.ShareTokens != "99" {
		t.Fatalf("ShareTokens after sub = %q, want 99", h2.ShareTokens)
	}

	// Draining to zero removes the row.
	rest, _ := new(big.Int).SetString("99000000000000000000", 10)
	if err := s.SubHoldingShares(ctx, user, vaultAddr, rest, 18); err != nil {
		t.Fatalf("SubHoldingShares: %v", err)
	}
	if _, err := s.Holding(ctx, user, vaultAddr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("drained holding = %v, want ErrNotFound", err)
	}

	// Over-withdrawing fails without touching the row.
	if _, err := s.AddHoldingShares(ctx, user, vaultAddr, "WETH", ten, 18); err != nil {
		t.Fatalf("AddHoldingShares: %v", err)
	}
	if err := s.SubHoldingShares(ctx, user, vaultAddr, delta, 18); err == nil {
		t.Fatal("SubHoldingShares below zero should fail")
	}
}
