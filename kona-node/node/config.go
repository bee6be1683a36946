package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/driver"
)

type L1EndpointConfig struct {
	// Addr is the L1 JSON-RPC endpoint
	Addr string
	// TrustRPC skips the verification of fetched L1 data against the block hashes
	TrustRPC bool
	// MaxAttempts of a failing L1 request before it is reported to the derivation pipeline
	MaxAttempts int
	// PrefetchDepth is the number of L1 blocks fetched ahead, 0 disables prefetching
	PrefetchDepth       uint64
	PrefetchConcurrency int
	// HTTPPollInterval is the interval of polling the L1 head
	HTTPPollInterval time.Duration
}

func (cfg *L1EndpointConfig) Check() error {
	if cfg.Addr == "" {
		return errors.New("empty L1 RPC address")
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("L1 max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.PrefetchDepth > 0 && cfg.PrefetchConcurrency < 1 {
		return fmt.Errorf("L1 prefetch concurrency must be at least 1, got %d", cfg.PrefetchConcurrency)
	}
	if cfg.HTTPPollInterval <= 0 {
		return fmt.Errorf("L1 poll interval must be positive, got %s", cfg.HTTPPollInterval)
	}
	return nil
}

type L2EndpointConfig struct {
	// Addr is the engine API endpoint of the execution client
	Addr string
	// JWTSecret authenticates the node to the engine API
	JWTSecret [32]byte
}

func (cfg *L2EndpointConfig) Check() error {
	if cfg.Addr == "" {
		return errors.New("empty L2 Engine Address")
	}
	return nil
}

type L1BeaconEndpointConfig struct {
	Addr    string
	Timeout time.Duration
}

type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
	ListenPort int
}

func (m MetricsConfig) Check() error {
	if !m.Enabled {
		return nil
	}
	if m.ListenPort < 0 || m.ListenPort > 65535 {
		return errors.New("invalid metrics port")
	}
	return nil
}

type Config struct {
	L1     L1EndpointConfig
	L2     L2EndpointConfig
	Beacon *L1BeaconEndpointConfig

	Driver driver.Config

	Rollup rollup.Config

	// L1EpochPollInterval is the interval of polling the safe and finalized L1 blocks
	L1EpochPollInterval time.Duration

	// CursorPath is the file of the derivation cursor, disabled if empty
	CursorPath string

	Metrics MetricsConfig

	// Optional
	Tracer Tracer
}

// Check verifies that the given configuration makes sense
func (cfg *Config) Check() error {
	if err := cfg.L1.Check(); err != nil {
		return fmt.Errorf("l1 endpoint config error: %w", err)
	}
	if err := cfg.L2.Check(); err != nil {
		return fmt.Errorf("l2 endpoint config error: %w", err)
	}
	if cfg.Beacon != nil && cfg.Beacon.Addr == "" {
		return errors.New("empty L1 Beacon address")
	}
	if err := cfg.Rollup.Check(); err != nil {
		return fmt.Errorf("rollup config error: %w", err)
	}
	if cfg.Driver.StepTimeout <= 0 {
		return fmt.Errorf("derivation step timeout must be positive, got %s", cfg.Driver.StepTimeout)
	}
	if err := cfg.Metrics.Check(); err != nil {
		return fmt.Errorf("metrics config error: %w", err)
	}
	return nil
}
