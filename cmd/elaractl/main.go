// Command elaractl talks to the agent name registry directly: it resolves
// agent endpoints, checks labels, registers agents and chats with them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/elara-app/elara-go/internal/chain"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/wallet"
)

var (
	rpcFlag = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "EVM JSON-RPC endpoint",
		Value:   "https://mainnet.base.org",
		EnvVars: []string{"ELARA_RPC_URL"},
	}
	chainIDFlag = &cli.Int64Flag{
		Name:    "chain-id",
		Usage:   "Chain id transactions are signed for",
		Value:   8453,
		EnvVars: []string{"ELARA_CHAIN_ID"},
	}
	registryFlag = &cli.StringFlag{
		Name:    "registry",
		Usage:   "Address of the records contract",
		EnvVars: []string{"ELARA_REGISTRY_ADDRESS"},
	}
	registrarFlag = &cli.StringFlag{
		Name:    "registrar",
		Usage:   "Address of the registrar contract",
		EnvVars: []string{"ELARA_REGISTRAR_ADDRESS"},
	}
	appDomainFlag = &cli.StringFlag{
		Name:    "app-domain",
		Usage:   "Parent name agents are registered under",
		Value:   ens.DefaultAppDomain,
		EnvVars: []string{"ELARA_APP_DOMAIN"},
	}
	keyFlag = &cli.StringFlag{
		Name:    "key",
		Usage:   "Hex private key of the owner wallet",
		EnvVars: []string{"ELARA_PRIVATE_KEY"},
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level (debug, info, warn, error)",
		Value: "warn",
	}

	chainFlags = []cli.Flag{rpcFlag, chainIDFlag, registryFlag, registrarFlag}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "elaractl",
		Usage: "Agent name registry tool",
		Flags: []cli.Flag{appDomainFlag, verbosityFlag},
		Before: func(ctx *cli.Context) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(ctx.String(verbosityFlag.Name))); err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(ctx.App.ErrWriter, &slog.HandlerOptions{Level: level})))
			return nil
		},
		Commands: []*cli.Command{
			namehashCommand,
			resolveCommand,
			availableCommand,
			watchCommand,
			registerCommand,
			chatCommand,
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func naming(ctx *cli.Context) ens.Naming {
	n := ens.DefaultNaming()
	n.AppDomain = ctx.String(appDomainFlag.Name)
	return n
}

// dialRegistry connects to the node and binds the registry contracts.
func dialRegistry(ctx *cli.Context) (*chain.Client, *ens.Registry, error) {
	registry, registrar := ctx.String(registryFlag.Name), ctx.String(registrarFlag.Name)
	if !common.IsHexAddress(registry) || !common.IsHexAddress(registrar) {
		return nil, nil, fmt.Errorf("--%s and --%s must be contract addresses", registryFlag.Name, registrarFlag.Name)
	}
	client, err := chain.Dial(ctx.Context, ctx.String(rpcFlag.Name), big.NewInt(ctx.Int64(chainIDFlag.Name)))
	if err != nil {
		return nil, nil, err
	}
	return client, ens.NewRegistry(client, common.HexToAddress(registry), common.HexToAddress(registrar)), nil
}

func loadWallet(ctx *cli.Context) (*wallet.LocalWallet, error) {
	raw := ctx.String(keyFlag.Name)
	if raw == "" {
		return nil, fmt.Errorf("--%s is required", keyFlag.Name)
	}
	return wallet.LoadLocalWallet(raw)
}
