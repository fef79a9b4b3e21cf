package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]}
]`

var erc20ABI = mustABI(erc20ABIJSON)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// MaxUint256 is the unlimited-allowance sentinel used for router approvals.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Erc20Allowance reads allowance(owner, spender) on a token.
func (c *Client) Erc20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.readUint256(ctx, token, "allowance", owner, spender)
}

// Erc20BalanceOf reads balanceOf(account) on a token.
func (c *Client) Erc20BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return c.readUint256(ctx, token, "balanceOf", account)
}

// Erc20Decimals reads the token's decimals.
func (c *Client) Erc20Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := c.call(ctx, token, erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("decode decimals on %s: %w", token.Hex(), err)
	}
	dec, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals on %s: unexpected type %T", token.Hex(), vals[0])
	}
	return dec, nil
}

// PackApprove encodes approve(spender, amount) calldata.
func PackApprove(spender common.Address, amount *big.Int) []byte {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		panic(err)
	}
	return data
}

// PackTransferFrom encodes transferFrom(from, to, amount) calldata.
func PackTransferFrom(from, to common.Address, amount *big.Int) []byte {
	data, err := erc20ABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		panic(err)
	}
	return data
}

func (c *Client) readUint256(ctx context.Context, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.call(ctx, contract, erc20ABI, method, args...)
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack(method, out)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("decode %s on %s: %w", method, contract.Hex(), err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s on %s: unexpected type %T", method, contract.Hex(), vals[0])
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]byte, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
}
