package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// stubBackend answers reads from scripted fields and counts calls.
type stubBackend struct {
	balance     *big.Int
	balanceErrs []error // consumed per BalanceAt call
	callOut     []byte
	callErr     error
	callCount   int

	receipt        *types.Receipt
	receiptAfter   int // polls before the receipt appears
	receiptPolls   int
	sentCount      int
	pendingNonce   uint64
}

func (b *stubBackend) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if len(b.balanceErrs) > 0 {
		err := b.balanceErrs[0]
		b.balanceErrs = b.balanceErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return new(big.Int).Set(b.balance), nil
}

func (b *stubBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.callCount++
	return b.callOut, b.callErr
}

func (b *stubBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (b *stubBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *stubBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *stubBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return b.pendingNonce, nil
}

func (b *stubBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.sentCount++
	return nil
}

func (b *stubBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.receiptPolls++
	if b.receiptPolls > b.receiptAfter && b.receipt != nil {
		return b.receipt, nil
	}
	return nil, ethereum.NotFound
}

func newTestClient(b Backend) *Client {
	return NewClient(b, big.NewInt(42161))
}

func TestWaitForReceipt(t *testing.T) {
	b := &stubBackend{
		receipt:      &types.Receipt{Status: types.ReceiptStatusSuccessful},
		receiptAfter: 2, // lands on the third poll
	}
	c := newTestClient(b)

	receipt, err := c.WaitForReceipt(context.Background(), common.HexToHash("0x01"), 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Fatalf("status = %d", receipt.Status)
	}
	if b.receiptPolls < 3 {
		t.Fatalf("polls = %d, want at least 3", b.receiptPolls)
	}
}

func TestWaitForReceiptTimeout(t *testing.T) {
	b := &stubBackend{} // never produces a receipt
	c := newTestClient(b)

	_, err := c.WaitForReceipt(context.Background(), common.HexToHash("0x01"), 1500*time.Millisecond)
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("WaitForReceipt = %v, want ErrReceiptTimeout", err)
	}
}

func TestWaitForReceiptCancelled(t *testing.T) {
	b := &stubBackend{}
	c := newTestClient(b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.WaitForReceipt(ctx, common.HexToHash("0x01"), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitForReceipt = %v, want context.Canceled", err)
	}
}

func TestEthBalanceRetriesNetworkErrors(t *testing.T) {
	b := &stubBackend{
		balance:     big.NewInt(1000),
		balanceErrs: []error{errors.New("read: ECONNRESET"), errors.New("timeout")},
	}
	c := newTestClient(b)

	got, err := c.EthBalance(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("EthBalance: %v", err)
	}
	if got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("balance = %s", got)
	}
}

func TestEthBalanceTerminalError(t *testing.T) {
	b := &stubBackend{
		balance:     big.NewInt(1000),
		balanceErrs: []error{errors.New("execution reverted")},
	}
	c := newTestClient(b)

	if _, err := c.EthBalance(context.Background(), common.Address{}); err == nil {
		t.Fatal("expected terminal error to propagate")
	}
}

func TestErc20Reads(t *testing.T) {
	// 32-byte big-endian uint256 = 12345.
	out := make([]byte, 32)
	big.NewInt(12345).FillBytes(out)
	b := &stubBackend{callOut: out}
	c := newTestClient(b)
	ctx := context.Background()
	token := common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")

	allowance, err := c.Erc20Allowance(ctx, token, common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("Erc20Allowance: %v", err)
	}
	if allowance.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("allowance = %s", allowance)
	}

	balance, err := c.Erc20BalanceOf(ctx, token, common.Address{})
	if err != nil {
		t.Fatalf("Erc20BalanceOf: %v", err)
	}
	if balance.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("balance = %s", balance)
	}

	dec := make([]byte, 32)
	dec[31] = 18
	b.callOut = dec
	decimals, err := c.Erc20Decimals(ctx, token)
	if err != nil {
		t.Fatalf("Erc20Decimals: %v", err)
	}
	if decimals != 18 {
		t.Fatalf("decimals = %d", decimals)
	}
}

func TestPackSelectors(t *testing.T) {
	spender := common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
	owner := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	cases := []struct {
		name     string
		data     []byte
		selector string
		length   int
	}{
		{"approve", PackApprove(spender, MaxUint256), "095ea7b3", 4 + 64},
		{"transferFrom", PackTransferFrom(owner, spender, big.NewInt(1)), "23b872dd", 4 + 96},
		{"4626 deposit", Pack4626Deposit(big.NewInt(1), owner), "6e553f65", 4 + 64},
		{"4626 redeem", Pack4626Redeem(big.NewInt(1), spender, owner), "ba087652", 4 + 96},
		{"simple deposit", PackSimpleDeposit(big.NewInt(1)), "b6b55f25", 4 + 32},
		{"simple withdraw", PackSimpleWithdraw(big.NewInt(1)), "2e1a7d4d", 4 + 32},
	}
	for _, tc := range cases {
		if len(tc.data) != tc.length {
			t.Errorf("%s: calldata length = %d, want %d", tc.name, len(tc.data), tc.length)
		}
		if got := common.Bytes2Hex(tc.data[:4]); got != tc.selector {
			t.Errorf("%s: selector = %s, want %s", tc.name, got, tc.selector)
		}
	}
}

func TestMaxUint256(t *testing.T) {
	if MaxUint256.BitLen() != 256 {
		t.Fatalf("MaxUint256 bit length = %d", MaxUint256.BitLen())
	}
	plusOne := new(big.Int).Add(MaxUint256, big.NewInt(1))
	if plusOne.BitLen() != 257 {
		t.Fatal("MaxUint256 is not 2^256-1")
	}
}
