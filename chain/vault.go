package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// The two vault shapes the engine can be deployed against. ERC-4626 credits
// an explicit receiver; the simple form credits the caller. Share balances
// and decimals are read through the ERC-20 views either way.
const erc4626ABIJSON = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]}
]`

const simpleVaultABIJSON = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint256"}],"outputs":[]}
]`

var (
	erc4626ABI     = mustABI(erc4626ABIJSON)
	simpleVaultABI = mustABI(simpleVaultABIJSON)
)

// Pack4626Deposit encodes deposit(assets, receiver).
func Pack4626Deposit(assets *big.Int, receiver common.Address) []byte {
	data, err := erc4626ABI.Pack("deposit", assets, receiver)
	if err != nil {
		panic(err)
	}
	return data
}

// Pack4626Redeem encodes redeem(shares, receiver, owner).
func Pack4626Redeem(shares *big.Int, receiver, owner common.Address) []byte {
	data, err := erc4626ABI.Pack("redeem", shares, receiver, owner)
	if err != nil {
		panic(err)
	}
	return data
}

// PackSimpleDeposit encodes deposit(amount) for caller-credited vaults.
func PackSimpleDeposit(amount *big.Int) []byte {
	data, err := simpleVaultABI.Pack("deposit", amount)
	if err != nil {
		panic(err)
	}
	return data
}

// PackSimpleWithdraw encodes withdraw(shares).
func PackSimpleWithdraw(shares *big.Int) []byte {
	data, err := simpleVaultABI.Pack("withdraw", shares)
	if err != nil {
		panic(err)
	}
	return data
}
