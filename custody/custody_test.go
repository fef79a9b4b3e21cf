package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/emberfi/dca-engine/chain"
	"github.com/emberfi/dca-engine/core"
)

var (
	tokenAddr    = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	routerAddr   = common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
	userAddr     = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	executorAddr = common.HexToAddress("0x000000000000000000000000000000000000beef")

	usdc = core.TokenDescriptor{Symbol: "USDC", ChainID: 42161, Address: tokenAddr, Decimals: 6}
)

type allowanceKey struct{ token, owner, spender common.Address }

type fakeReader struct {
	allowances map[allowanceKey]*big.Int
}

func (r *fakeReader) Erc20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if v, ok := r.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

type sentCall struct {
	tag  string
	to   common.Address
	data []byte
}

type fakeSender struct {
	address common.Address
	calls   []sentCall
	err     error
}

func (s *fakeSender) Address() common.Address { return s.address }

func (s *fakeSender) ExecuteCall(ctx context.Context, tag string, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, sentCall{tag: tag, to: to, data: data})
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0x01")}, nil
}

func tags(calls []sentCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.tag
	}
	return out
}

func TestSelfExecutionApprovesWhenLow(t *testing.T) {
	reader := &fakeReader{allowances: map[allowanceKey]*big.Int{}}
	sender := &fakeSender{address: userAddr} // user is the executor
	m := NewManager(reader, sender)

	err := m.Ensure(context.Background(), usdc, big.NewInt(100_000000), userAddr, routerAddr)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(sender.calls) != 1 || sender.calls[0].tag != "approve" {
		t.Fatalf("calls = %v, want one approve", tags(sender.calls))
	}
	if sender.calls[0].to != tokenAddr {
		t.Fatalf("approve target = %s, want token", sender.calls[0].to)
	}
}

func TestSelfExecutionSkipsSufficientApproval(t *testing.T) {
	reader := &fakeReader{allowances: map[allowanceKey]*big.Int{
		{tokenAddr, userAddr, routerAddr}: chain.MaxUint256,
	}}
	sender := &fakeSender{address: userAddr}
	m := NewManager(reader, sender)

	if err := m.Ensure(context.Background(), usdc, big.NewInt(100_000000), userAddr, routerAddr); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("calls = %v, want none", tags(sender.calls))
	}
}

func TestSeparateExecutorPullsFunds(t *testing.T) {
	reader := &fakeReader{allowances: map[allowanceKey]*big.Int{
		{tokenAddr, userAddr, executorAddr}: chain.MaxUint256, // user approved the executor
	}}
	sender := &fakeSender{address: executorAddr}
	m := NewManager(reader, sender)

	if err := m.Ensure(context.Background(), usdc, big.NewInt(100_000000), userAddr, routerAddr); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// Router approval from the executor, then the transferFrom pull.
	got := tags(sender.calls)
	if len(got) != 2 || got[0] != "approve" || got[1] != "transferFrom" {
		t.Fatalf("calls = %v, want [approve transferFrom]", got)
	}
}

func TestSeparateExecutorAlwaysPulls(t *testing.T) {
	// Even with the router already approved, each execution draws fresh funds.
	reader := &fakeReader{allowances: map[allowanceKey]*big.Int{
		{tokenAddr, executorAddr, routerAddr}: chain.MaxUint256,
		{tokenAddr, userAddr, executorAddr}:   chain.MaxUint256,
	}}
	sender := &fakeSender{address: executorAddr}
	m := NewManager(reader, sender)

	if err := m.Ensure(context.Background(), usdc, big.NewInt(100_000000), userAddr, routerAddr); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	got := tags(sender.calls)
	if len(got) != 1 || got[0] != "transferFrom" {
		t.Fatalf("calls = %v, want [transferFrom]", got)
	}
}

func TestInsufficientUserApproval(t *testing.T) {
	reader := &fakeReader{allowances: map[allowanceKey]*big.Int{
		{tokenAddr, executorAddr, routerAddr}: chain.MaxUint256,
		{tokenAddr, userAddr, executorAddr}:   big.NewInt(50_000000), // half of what's needed
	}}
	sender := &fakeSender{address: executorAddr}
	m := NewManager(reader, sender)

	err := m.Ensure(context.Background(), usdc, big.NewInt(100_000000), userAddr, routerAddr)
	if !errors.Is(err, ErrInsufficientUserApproval) {
		t.Fatalf("Ensure = %v, want ErrInsufficientUserApproval", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("no funds may move on short approval, got %v", tags(sender.calls))
	}
}
