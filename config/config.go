// Package config resolves the engine's environment-driven settings through
// urfave/cli flags, one per documented variable.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/emberfi/dca-engine/vault"
)

const (
	DefaultRPCURL  = "https://arb1.arbitrum.io/rpc"
	DefaultChainID = 42161

	// DefaultRouter is the aggregation router the quoting service routes
	// through on Arbitrum; source-token approvals target this address.
	DefaultRouter = "0x1111111254EEB25477B68fb85Ed929f73A960582"
)

// VaultSpec binds a destination token symbol to a deployed vault.
type VaultSpec struct {
	Address common.Address
	Kind    vault.Kind
}

// Config is the fully resolved runtime configuration.
type Config struct {
	DatabaseURL string
	RPCURL      string
	QuoteURL    string
	PrivateKey  string
	ChainID     uint64
	Router      common.Address

	SchedulerInterval time.Duration
	MaxConcurrent     int
	EnableScheduler   bool
	EnableMetrics     bool

	ToolTimeout time.Duration
	ConnTimeout time.Duration

	Vaults map[string]VaultSpec
}

var Flags = []cli.Flag{
	&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}, Usage: "plan store connection string"},
	&cli.StringFlag{Name: "rpc-url", EnvVars: []string{"ARBITRUM_RPC_URL"}, Value: DefaultRPCURL, Usage: "chain RPC endpoint"},
	&cli.StringFlag{Name: "quote-url", EnvVars: []string{"EMBER_MCP_SERVER_URL"}, Usage: "quoting service endpoint"},
	&cli.StringFlag{Name: "private-key", EnvVars: []string{"PRIVATE_KEY"}, Usage: "executor hot key (hex); absence disables the scheduler"},
	&cli.IntFlag{Name: "scheduler-interval", EnvVars: []string{"SCHEDULER_INTERVAL_SECONDS"}, Value: 60, Usage: "seconds between ticks"},
	&cli.IntFlag{Name: "max-concurrent", EnvVars: []string{"MAX_CONCURRENT_EXECUTIONS"}, Value: 50, Usage: "parallel executions per batch"},
	&cli.BoolFlag{Name: "enable-scheduler", EnvVars: []string{"ENABLE_SCHEDULER"}, Value: true, Usage: "run the plan scheduler"},
	&cli.BoolFlag{Name: "enable-metrics", EnvVars: []string{"ENABLE_METRICS"}, Usage: "register runtime metrics"},
	&cli.Int64Flag{Name: "tool-timeout-ms", EnvVars: []string{"MCP_TOOL_TIMEOUT_MS"}, Value: 120000, Usage: "quote call timeout in milliseconds"},
	&cli.Int64Flag{Name: "connection-timeout-ms", EnvVars: []string{"MCP_CONNECTION_TIMEOUT"}, Value: 60000, Usage: "quote connection timeout in milliseconds"},
	&cli.Uint64Flag{Name: "chain-id", EnvVars: []string{"CHAIN_ID"}, Value: DefaultChainID, Usage: "execution chain id"},
	&cli.StringFlag{Name: "router", EnvVars: []string{"ROUTER_ADDRESS"}, Value: DefaultRouter, Usage: "swap router approval target"},
	&cli.StringSliceFlag{Name: "vault", EnvVars: []string{"DCA_VAULTS"}, Usage: "vault binding SYMBOL:0xaddress:kind (kind erc4626 or simple)"},
}

// FromCLI materializes the configuration from parsed flags.
func FromCLI(c *cli.Context) (*Config, error) {
	router := c.String("router")
	if !common.IsHexAddress(router) {
		return nil, fmt.Errorf("bad router address %q", router)
	}
	vaults, err := ParseVaults(c.StringSlice("vault"))
	if err != nil {
		return nil, err
	}
	return &Config{
		DatabaseURL:       c.String("database-url"),
		RPCURL:            c.String("rpc-url"),
		QuoteURL:          c.String("quote-url"),
		PrivateKey:        c.String("private-key"),
		ChainID:           c.Uint64("chain-id"),
		Router:            common.HexToAddress(router),
		SchedulerInterval: time.Duration(c.Int("scheduler-interval")) * time.Second,
		MaxConcurrent:     c.Int("max-concurrent"),
		EnableScheduler:   c.Bool("enable-scheduler"),
		EnableMetrics:     c.Bool("enable-metrics"),
		ToolTimeout:       time.Duration(c.Int64("tool-timeout-ms")) * time.Millisecond,
		ConnTimeout:       time.Duration(c.Int64("connection-timeout-ms")) * time.Millisecond,
		Vaults:            vaults,
	}, nil
}

// ParseVaults parses SYMBOL:0xaddress:kind bindings.
func ParseVaults(bindings []string) (map[string]VaultSpec, error) {
	out := make(map[string]VaultSpec, len(bindings))
	for _, b := range bindings {
		parts := strings.Split(b, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad vault binding %q, want SYMBOL:0xaddress:kind", b)
		}
		symbol := strings.ToUpper(strings.TrimSpace(parts[0]))
		if symbol == "" || !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("bad vault binding %q", b)
		}
		kind := vault.Kind(strings.ToLower(parts[2]))
		if kind != vault.KindERC4626 && kind != vault.KindSimple {
			return nil, fmt.Errorf("bad vault kind %q in %q", parts[2], b)
		}
		if _, dup := out[symbol]; dup {
			return nil, fmt.Errorf("duplicate vault binding for %s", symbol)
		}
		out[symbol] = VaultSpec{Address: common.HexToAddress(parts[1]), Kind: kind}
	}
	return out, nil
}
