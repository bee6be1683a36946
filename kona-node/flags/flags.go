package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	oplog "github.com/succinctlabs/kona/kona-service/log"
)

// Flags

const EnvVarPrefix = "KONA_NODE"

const (
	RollupCategory     = "1. ROLLUP"
	L1RPCCategory      = "2. L1 RPC"
	OperationsCategory = "3. LOGGING, METRICS, DEBUGGING"
	MiscCategory       = "4. MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}

func prefixEnvVars(names ...string) []string {
	envs := make([]string, 0, len(names))
	for _, name := range names {
		envs = append(envs, EnvVarPrefix+"_"+name)
	}
	return envs
}

var (
	/* Required Flags */
	L1NodeAddr = &cli.StringFlag{
		Name:     "l1",
		Usage:    "Address of L1 User JSON-RPC endpoint to use (eth namespace required)",
		EnvVars:  prefixEnvVars("L1_ETH_RPC"),
		Category: L1RPCCategory,
	}
	L2EngineAddr = &cli.StringFlag{
		Name:     "l2",
		Usage:    "Address of L2 Engine JSON-RPC endpoints to use (engine and eth namespace required)",
		EnvVars:  prefixEnvVars("L2_ENGINE_RPC"),
		Category: RollupCategory,
	}
	L2EngineJWTSecret = &cli.StringFlag{
		Name:     "l2.jwt-secret",
		Usage:    "Path to JWT secret key. Keys are 32 bytes, hex encoded in a file. A new key will be generated if the file is empty.",
		EnvVars:  prefixEnvVars("L2_ENGINE_AUTH"),
		Value:    "",
		Category: RollupCategory,
	}
	/* Optional Flags */
	RollupConfig = &cli.StringFlag{
		Name:     "rollup.config",
		Usage:    "Rollup chain parameters",
		EnvVars:  prefixEnvVars("ROLLUP_CONFIG"),
		Category: RollupCategory,
	}
	Network = &cli.StringFlag{
		Name:     "network",
		Usage:    "Predefined network selection, read from the networks directory. Mutually exclusive with --rollup.config",
		EnvVars:  prefixEnvVars("NETWORK"),
		Category: RollupCategory,
	}
	NetworksDir = &cli.StringFlag{
		Name:     "networks.dir",
		Usage:    "Directory with one rollup.json per network, named <network>.json",
		EnvVars:  prefixEnvVars("NETWORKS_DIR"),
		Value:    "networks",
		Category: RollupCategory,
	}
	BeaconAddr = &cli.StringFlag{
		Name:     "l1.beacon",
		Usage:    "Address of L1 Beacon-node HTTP endpoint to use. Required to derive blocks from blob data.",
		EnvVars:  prefixEnvVars("L1_BEACON"),
		Category: L1RPCCategory,
	}
	BeaconTimeout = &cli.DurationFlag{
		Name:     "l1.beacon.timeout",
		Usage:    "Timeout of a single request to the L1 Beacon-node",
		EnvVars:  prefixEnvVars("L1_BEACON_TIMEOUT"),
		Value:    30 * time.Second,
		Category: L1RPCCategory,
	}
	L1TrustRPC = &cli.BoolFlag{
		Name:     "l1.trustrpc",
		Usage:    "Trust the L1 RPC, sync faster at risk of malicious/buggy RPC providing bad or inconsistent L1 data",
		EnvVars:  prefixEnvVars("L1_TRUST_RPC"),
		Category: L1RPCCategory,
	}
	L1RPCMaxAttempts = &cli.IntFlag{
		Name:     "l1.max-attempts",
		Usage:    "Number of attempts of a failing L1 request before the error is reported to the derivation pipeline",
		EnvVars:  prefixEnvVars("L1_MAX_ATTEMPTS"),
		Value:    5,
		Category: L1RPCCategory,
	}
	L1PrefetchDepth = &cli.Uint64Flag{
		Name:     "l1.prefetch-depth",
		Usage:    "Number of L1 blocks to fetch ahead of the derivation origin. Disabled if set to 0.",
		EnvVars:  prefixEnvVars("L1_PREFETCH_DEPTH"),
		Value:    8,
		Category: L1RPCCategory,
	}
	L1PrefetchConcurrency = &cli.IntFlag{
		Name:     "l1.prefetch-concurrency",
		Usage:    "Maximum number of L1 blocks prefetched at the same time",
		EnvVars:  prefixEnvVars("L1_PREFETCH_CONCURRENCY"),
		Value:    4,
		Category: L1RPCCategory,
	}
	L1HTTPPollInterval = &cli.DurationFlag{
		Name:     "l1.http-poll-interval",
		Usage:    "Polling interval for latest-block subscription when using an HTTP RPC provider.",
		EnvVars:  prefixEnvVars("L1_HTTP_POLL_INTERVAL"),
		Value:    time.Second * 12,
		Category: L1RPCCategory,
	}
	L1EpochPollIntervalFlag = &cli.DurationFlag{
		Name:     "l1.epoch-poll-interval",
		Usage:    "Poll interval for retrieving new L1 epoch updates such as safe and finalized block changes. Disabled if 0 or negative.",
		EnvVars:  prefixEnvVars("L1_EPOCH_POLL_INTERVAL"),
		Value:    time.Second * 12 * 32,
		Category: L1RPCCategory,
	}
	StepTimeout = &cli.DurationFlag{
		Name:     "derivation.step-timeout",
		Usage:    "Timeout of a single derivation step, including the engine calls",
		EnvVars:  prefixEnvVars("DERIVATION_STEP_TIMEOUT"),
		Value:    time.Minute,
		Category: RollupCategory,
	}
	CursorPath = &cli.StringFlag{
		Name:     "derivation.cursor",
		Usage:    "File the derivation cursor is written to on shutdown and restored from on start. Disabled if not set.",
		EnvVars:  prefixEnvVars("DERIVATION_CURSOR"),
		Category: RollupCategory,
	}
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:     "metrics.enabled",
		Usage:    "Enable the metrics server",
		EnvVars:  prefixEnvVars("METRICS_ENABLED"),
		Category: OperationsCategory,
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:     "metrics.addr",
		Usage:    "Metrics listening address",
		Value:    "0.0.0.0",
		EnvVars:  prefixEnvVars("METRICS_ADDR"),
		Category: OperationsCategory,
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:     "metrics.port",
		Usage:    "Metrics listening port",
		Value:    7300,
		EnvVars:  prefixEnvVars("METRICS_PORT"),
		Category: OperationsCategory,
	}
)

var requiredFlags = []cli.Flag{
	L1NodeAddr,
	L2EngineAddr,
	L2EngineJWTSecret,
}

var optionalFlags = []cli.Flag{
	RollupConfig,
	Network,
	NetworksDir,
	BeaconAddr,
	BeaconTimeout,
	L1TrustRPC,
	L1RPCMaxAttempts,
	L1PrefetchDepth,
	L1PrefetchConcurrency,
	L1HTTPPollInterval,
	L1EpochPollIntervalFlag,
	StepTimeout,
	CursorPath,
	MetricsEnabledFlag,
	MetricsAddrFlag,
	MetricsPortFlag,
}

// Flags contains the list of configuration options available to the binary.
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	if ctx.IsSet(RollupConfig.Name) == ctx.IsSet(Network.Name) {
		return fmt.Errorf("exactly one of --%s and --%s must be set", RollupConfig.Name, Network.Name)
	}
	return nil
}
