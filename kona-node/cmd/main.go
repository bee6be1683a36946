package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	konanode "github.com/succinctlabs/kona/kona-node"
	"github.com/succinctlabs/kona/kona-node/cmd/frames"
	"github.com/succinctlabs/kona/kona-node/cmd/networks"
	"github.com/succinctlabs/kona/kona-node/flags"
	"github.com/succinctlabs/kona/kona-node/metrics"
	"github.com/succinctlabs/kona/kona-node/node"
	oplog "github.com/succinctlabs/kona/kona-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

// VersionWithMeta holds the textual version string including the metadata.
var VersionWithMeta = formatVersion(Version, GitCommit, GitDate)

func formatVersion(version, gitCommit, gitDate string) string {
	v := version
	if len(gitCommit) >= 8 {
		v += "-" + gitCommit[:8]
	}
	if gitDate != "" {
		v += "-" + gitDate
	}
	return v
}

func main() {
	// Set up logger with a default INFO level in case we fail to parse flags,
	// otherwise the final critical log won't show what the parsing error was.
	oplog.SetupDefaults(oplog.DefaultCLIConfig())

	// attempt to load a .env file to overwrite CLI flags, but allow it to not exist.
	envFile := os.Getenv("KONA_NODE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	app := cli.NewApp()
	app.Version = VersionWithMeta
	app.Flags = flags.Flags
	app.Name = "kona-node"
	app.Usage = "Optimism Rollup Derivation Node"
	app.Description = "The rollup node derives L2 block inputs from L1 data and drives an external L2 Execution Engine to build the safe L2 chain."
	app.Action = RollupNodeMain
	app.Commands = []*cli.Command{
		{
			Name:        "networks",
			Subcommands: networks.Subcommands,
		},
		{
			Name:        "frames",
			Subcommands: frames.Subcommands,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func RollupNodeMain(ctx *cli.Context) error {
	logCfg, err := oplog.ReadCLIConfig(ctx)
	if err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	logger := oplog.NewLogger(os.Stdout, logCfg)
	log.SetDefault(logger)
	m := metrics.NewMetrics("default")

	cfg, err := konanode.NewConfig(ctx, logger)
	if err != nil {
		return fmt.Errorf("unable to create the rollup node config: %w", err)
	}

	// Only pretty-print the banner if it is a terminal log. Other log it as key-value pairs.
	if logCfg.Format == oplog.FormatTerminal {
		logger.Info("rollup config:\n" + cfg.Rollup.Description())
	} else {
		cfg.Rollup.LogDescription(logger)
	}

	n, err := node.New(ctx.Context, cfg, logger, VersionWithMeta, m)
	if err != nil {
		return fmt.Errorf("unable to create the rollup node: %w", err)
	}
	if err := n.Start(ctx.Context); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, fmt.Errorf("unable to start the rollup node: %w", err))
		if stopErr := n.Stop(context.Background()); stopErr != nil {
			result = multierror.Append(result, stopErr)
		}
		return result.ErrorOrNil()
	}

	select {
	case <-ctx.Context.Done():
		logger.Info("Received signal, shutting down")
	case <-n.Halted():
		logger.Error("Rollup node halted", "err", n.HaltErr())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop the rollup node: %w", err)
	}
	return n.HaltErr()
}
