// dcad runs the DCA execution engine: it connects the plan store, token
// registry, quote service and chain clients, then drives due plans through
// the swap pipeline on a fixed tick.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/emberfi/dca-engine/chain"
	"github.com/emberfi/dca-engine/config"
	"github.com/emberfi/dca-engine/custody"
	"github.com/emberfi/dca-engine/executor"
	"github.com/emberfi/dca-engine/pipeline"
	"github.com/emberfi/dca-engine/quote"
	"github.com/emberfi/dca-engine/scheduler"
	"github.com/emberfi/dca-engine/store"
	"github.com/emberfi/dca-engine/tokens"
	"github.com/emberfi/dca-engine/vault"
)

func main() {
	app := &cli.App{
		Name:   "dcad",
		Usage:  "multi-tenant DCA execution engine",
		Flags:  config.Flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, false)))

	cfg, err := config.FromCLI(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	if cfg.EnableScheduler && cfg.PrivateKey == "" {
		return cli.Exit("scheduler enabled but PRIVATE_KEY is not set", 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var planStore store.PlanStore
	if cfg.DatabaseURL != "" {
		pg, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer pg.Close()
		planStore = pg
	} else {
		log.Warn("DATABASE_URL not set, using volatile in-memory plan store")
		planStore = store.NewMemStore()
	}

	chainClient, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return cli.Exit(err, 1)
	}

	var quoteClient *quote.Client
	if cfg.QuoteURL != "" {
		quoteClient, err = quote.Dial(ctx, cfg.QuoteURL, cfg.ConnTimeout, cfg.ToolTimeout)
		if err != nil {
			return cli.Exit(err, 1)
		}
	} else {
		log.Warn("EMBER_MCP_SERVER_URL not set, token registry uses the static table only")
	}

	var registrySource tokens.Source
	if quoteClient != nil {
		registrySource = quoteClient
	}
	registry := tokens.Bootstrap(ctx, registrySource, cfg.ChainID)

	if cfg.PrivateKey == "" {
		log.Info("No executor key configured, running in standby mode")
		<-ctx.Done()
		return nil
	}
	if quoteClient == nil {
		return cli.Exit("executor key configured but EMBER_MCP_SERVER_URL is not set", 1)
	}

	exec, err := executor.New(chainClient, cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return cli.Exit(err, 1)
	}
	log.Info("Executor key loaded", "address", exec.Address())

	adapters := make(map[string]vault.Adapter, len(cfg.Vaults))
	for symbol, spec := range cfg.Vaults {
		adapters[symbol] = vault.NewAdapter(vault.Config{Address: spec.Address, Kind: spec.Kind}, chainClient, exec)
		log.Info("Vault configured", "token", symbol, "vault", spec.Address, "kind", spec.Kind)
	}

	pipe := pipeline.New(
		pipeline.Config{ChainID: cfg.ChainID, Router: cfg.Router},
		planStore, registry, quoteClient, chainClient, exec,
		custody.NewManager(chainClient, exec), adapters,
	)

	sched := scheduler.New(scheduler.Config{
		Interval:      cfg.SchedulerInterval,
		MaxConcurrent: cfg.MaxConcurrent,
		HasSigner:     true,
	}, planStore, pipe)

	if cfg.EnableScheduler {
		if err := sched.Start(ctx); err != nil {
			return cli.Exit(err, 1)
		}
		defer sched.Stop()
	} else {
		log.Info("Scheduler disabled by configuration")
	}

	<-ctx.Done()
	return nil
}
