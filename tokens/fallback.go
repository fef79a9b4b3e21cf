package tokens

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/emberfi/dca-engine/core"
)

// ArbitrumChainID is the only chain the engine executes on.
const ArbitrumChainID uint64 = 42161

// USDCNativeAddress is Circle's native USDC deployment on Arbitrum;
// USDCBridgedAddress is the bridged USDC.e. Both carry 6 decimals and both
// resolve through the same descriptor-driven decimal handling.
var (
	USDCNativeAddress  = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	USDCBridgedAddress = common.HexToAddress("0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8")
)

// ArbitrumFallback is the static token table used when the quoting service
// cannot be reached at startup.
func ArbitrumFallback() []core.TokenDescriptor {
	return []core.TokenDescriptor{
		{Symbol: "USDC", ChainID: ArbitrumChainID, Address: USDCNativeAddress, Decimals: 6, Name: "USD Coin"},
		{Symbol: "USDC.E", ChainID: ArbitrumChainID, Address: USDCBridgedAddress, Decimals: 6, Name: "Bridged USDC"},
		{Symbol: "USDT", ChainID: ArbitrumChainID, Address: common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9"), Decimals: 6, Name: "Tether USD"},
		{Symbol: "WETH", ChainID: ArbitrumChainID, Address: common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"), Decimals: 18, Name: "Wrapped Ether"},
		{Symbol: "ETH", ChainID: ArbitrumChainID, Address: common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"), Decimals: 18, Name: "Ether"},
		{Symbol: "ARB", ChainID: ArbitrumChainID, Address: common.HexToAddress("0x912CE59144191C1204E64559FE8253a0e49E6548"), Decimals: 18, Name: "Arbitrum"},
		{Symbol: "DAI", ChainID: ArbitrumChainID, Address: common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"), Decimals: 18, Name: "Dai Stablecoin"},
		{Symbol: "WBTC", ChainID: ArbitrumChainID, Address: common.HexToAddress("0x2f2a2543B76A4166549F7aaB2e75Bef0aefC5B0f"), Decimals: 8, Name: "Wrapped BTC"},
	}
}
