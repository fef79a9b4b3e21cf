package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/emberfi/dca-engine/core"
)

// MemStore is an in-memory PlanStore with the same lease contract as the
// Postgres implementation. It backs tests and keyless development runs.
type MemStore struct {
	mu          sync.Mutex
	plans       map[string]*core.Plan
	executions  []*core.Execution
	holdings    map[string]*core.VaultHolding
	leasedUntil map[string]time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		plans:       make(map[string]*core.Plan),
		holdings:    make(map[string]*core.VaultHolding),
		leasedUntil: make(map[string]time.Time),
	}
}

// PutPlan inserts or replaces a plan. It stands in for the external CRUD
// writer in tests and development.
func (s *MemStore) PutPlan(plan *core.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.plans[plan.ID] = &cp
}

func (s *MemStore) Plan(ctx context.Context, id string) (*core.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) DuePlans(ctx context.Context, now time.Time, lease time.Duration) ([]*core.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*core.Plan
	for _, p := range s.plans {
		if !p.Due(now) {
			continue
		}
		if until, leased := s.leasedUntil[p.ID]; leased && until.After(now) {
			continue
		}
		cp := *p
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecutionAt.Before(*due[j].NextExecutionAt)
	})
	for _, p := range due {
		s.leasedUntil[p.ID] = now.Add(lease)
	}
	return due, nil
}

func (s *MemStore) UpdatePlan(ctx context.Context, plan *core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return fmt.Errorf("plan %s: %w", plan.ID, ErrNotFound)
	}
	cp := *plan
	cp.UpdatedAt = time.Now().UTC()
	s.plans[plan.ID] = &cp
	delete(s.leasedUntil, plan.ID)
	return nil
}

func (s *MemStore) ReleaseLease(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leasedUntil, planID)
	return nil
}

func (s *MemStore) CountActivePlans(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.plans {
		if p.Status == core.PlanActive {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) RecordExecution(ctx context.Context, exec *core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.ExecutedAt.IsZero() {
		cp.ExecutedAt = time.Now().UTC()
	}
	s.executions = append(s.executions, &cp)
	return nil
}

func (s *MemStore) LatestExecution(ctx context.Context, planID string) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].PlanID == planID {
			cp := *s.executions[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("executions for plan %s: %w", planID, ErrNotFound)
}

// Executions returns a copy of the audit log, newest last.
func (s *MemStore) Executions() []*core.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Execution, len(s.executions))
	for i, e := range s.executions {
		cp := *e
		out[i] = &cp
	}
	return out
}

func holdingKey(user, vault common.Address) string {
	return user.Hex() + "/" + vault.Hex()
}

func (s *MemStore) Holding(ctx context.Context, user, vault common.Address) (*core.VaultHolding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holdings[holdingKey(user, vault)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", user, vault, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (s *MemStore) AddHoldingShares(ctx context.Context, user, vault common.Address, symbol string, delta *big.Int, decimals uint8) (*core.VaultHolding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := holdingKey(user, vault)
	now := time.Now().UTC()
	h, ok := s.holdings[key]
	if !ok {
		h = &core.VaultHolding{
			ID:           uuid.NewString(),
			UserAddress:  user,
			VaultAddress: vault,
			TokenSymbol:  symbol,
			ShareTokens:  "0",
			CreatedAt:    now,
		}
		s.holdings[key] = h
	}
	next, err := core.AddShares(h.ShareTokens, delta, decimals)
	if err != nil {
		return nil, err
	}
	h.ShareTokens = next
	h.UpdatedAt = now
	cp := *h
	return &cp, nil
}

func (s *MemStore) SubHoldingShares(ctx context.Context, user, vault common.Address, delta *big.Int, decimals uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := holdingKey(user, vault)
	h, ok := s.holdings[key]
	if !ok {
		return fmt.Errorf("holding %s/%s: %w", user, vault, ErrNotFound)
	}
	next, err := core.SubShares(h.ShareTokens, delta, decimals)
	if err != nil {
		return err
	}
	remaining, err := core.ParseUnits(next, decimals)
	if err != nil {
		return err
	}
	if remaining.Sign() == 0 {
		delete(s.holdings, key)
		return nil
	}
	h.ShareTokens = next
	h.UpdatedAt = time.Now().UTC()
	return nil
}
