package konanode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/succinctlabs/kona/kona-node/chaincfg"
	"github.com/succinctlabs/kona/kona-node/flags"
	"github.com/succinctlabs/kona/kona-node/node"
	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/driver"
)

// NewConfig creates a Config from the provided flags or environment variables.
func NewConfig(ctx *cli.Context, log log.Logger) (*node.Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, err
	}

	rollupConfig, err := NewRollupConfigFromCLI(log, ctx)
	if err != nil {
		return nil, err
	}

	l2Endpoint, err := NewL2EndpointConfig(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load l2 endpoints info: %w", err)
	}

	cfg := &node.Config{
		L1:     NewL1EndpointConfig(ctx),
		L2:     *l2Endpoint,
		Beacon: NewBeaconEndpointConfig(ctx),
		Driver: driver.Config{
			StepTimeout: ctx.Duration(flags.StepTimeout.Name),
		},
		Rollup:              *rollupConfig,
		L1EpochPollInterval: ctx.Duration(flags.L1EpochPollIntervalFlag.Name),
		CursorPath:          ctx.String(flags.CursorPath.Name),
		Metrics: node.MetricsConfig{
			Enabled:    ctx.Bool(flags.MetricsEnabledFlag.Name),
			ListenAddr: ctx.String(flags.MetricsAddrFlag.Name),
			ListenPort: ctx.Int(flags.MetricsPortFlag.Name),
		},
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewL1EndpointConfig(ctx *cli.Context) node.L1EndpointConfig {
	return node.L1EndpointConfig{
		Addr:                ctx.String(flags.L1NodeAddr.Name),
		TrustRPC:            ctx.Bool(flags.L1TrustRPC.Name),
		MaxAttempts:         ctx.Int(flags.L1RPCMaxAttempts.Name),
		PrefetchDepth:       ctx.Uint64(flags.L1PrefetchDepth.Name),
		PrefetchConcurrency: ctx.Int(flags.L1PrefetchConcurrency.Name),
		HTTPPollInterval:    ctx.Duration(flags.L1HTTPPollInterval.Name),
	}
}

func NewBeaconEndpointConfig(ctx *cli.Context) *node.L1BeaconEndpointConfig {
	addr := ctx.String(flags.BeaconAddr.Name)
	if addr == "" {
		return nil
	}
	return &node.L1BeaconEndpointConfig{
		Addr:    addr,
		Timeout: ctx.Duration(flags.BeaconTimeout.Name),
	}
}

func NewL2EndpointConfig(ctx *cli.Context, log log.Logger) (*node.L2EndpointConfig, error) {
	l2Addr := ctx.String(flags.L2EngineAddr.Name)
	fileName := ctx.String(flags.L2EngineJWTSecret.Name)
	secret, err := obtainJWTSecret(log, fileName, true)
	if err != nil {
		return nil, err
	}
	return &node.L2EndpointConfig{
		Addr:      l2Addr,
		JWTSecret: secret,
	}, nil
}

// obtainJWTSecret reads the hex encoded secret in fileName. An empty or missing file gets
// a freshly generated secret if generateMissing is set.
func obtainJWTSecret(logger log.Logger, fileName string, generateMissing bool) ([32]byte, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return [32]byte{}, errors.New("file-name of jwt secret is empty")
	}
	data, err := os.ReadFile(fileName)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return [32]byte{}, fmt.Errorf("failed to read JWT secret from file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		if !generateMissing {
			return [32]byte{}, fmt.Errorf("no JWT secret in %q", fileName)
		}
		logger.Warn("Failed to read JWT secret from file, generating a new one now. Configure L2 geth with --authrpc.jwt-secret=" + fmt.Sprintf("%q", fileName))
		var secret [32]byte
		if _, err := rand.Read(secret[:]); err != nil {
			return [32]byte{}, fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(fileName), 0o755); err != nil {
			return [32]byte{}, fmt.Errorf("failed to create jwt secret dir: %w", err)
		}
		if err := os.WriteFile(fileName, []byte(hexutil.Encode(secret[:])), 0o600); err != nil {
			return [32]byte{}, err
		}
		return secret, nil
	}
	raw := common.FromHex(strings.TrimSpace(string(data)))
	if len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("invalid jwt secret in %q: expected 32 bytes, got %d", fileName, len(raw))
	}
	var secret [32]byte
	copy(secret[:], raw)
	return secret, nil
}

// NewRollupConfigFromCLI loads the rollup config of the selected network, or the one in the
// rollup.config file.
func NewRollupConfigFromCLI(log log.Logger, ctx *cli.Context) (*rollup.Config, error) {
	network := ctx.String(flags.Network.Name)
	rollupConfigPath := ctx.String(flags.RollupConfig.Name)
	if network != "" {
		dir := ctx.String(flags.NetworksDir.Name)
		rollupConfig, err := chaincfg.GetRollupConfig(dir, network)
		if err != nil {
			return nil, err
		}
		log.Debug("Loaded network rollup config", "network", network, "dir", dir)
		return rollupConfig, nil
	}
	if rollupConfigPath == "" {
		return nil, errors.New("either a network or a rollup config file must be set")
	}
	return chaincfg.LoadRollupConfig(rollupConfigPath)
}
