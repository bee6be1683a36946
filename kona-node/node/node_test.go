package node

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-node/rollup/driver"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

func testRollupConfig() rollup.Config {
	return rollup.Config{
		Genesis: rollup.Genesis{
			L1:     eth.BlockID{Hash: common.Hash{1}, Number: 100},
			L2:     eth.BlockID{Hash: common.Hash{2}, Number: 0},
			L2Time: 1700000000,
			SystemConfig: eth.SystemConfig{
				BatcherAddr: common.Address{3},
				Scalar:      eth.Bytes32{31: 1},
				GasLimit:    30_000_000,
			},
		},
		BlockTime:              2,
		MaxSequencerDrift:      600,
		SeqWindowSize:          3600,
		ChannelTimeoutBedrock:  300,
		L1ChainID:              big.NewInt(1),
		L2ChainID:              big.NewInt(10),
		BatchInboxAddress:      common.Address{4},
		DepositContractAddress: common.Address{5},
		L1SystemConfigAddress:  common.Address{6},
	}
}

func testConfig() *Config {
	return &Config{
		L1: L1EndpointConfig{
			Addr:                "http://localhost:8545",
			MaxAttempts:         5,
			PrefetchDepth:       8,
			PrefetchConcurrency: 4,
			HTTPPollInterval:    12 * time.Second,
		},
		L2: L2EndpointConfig{
			Addr: "http://localhost:8551",
		},
		Driver:              driver.Config{StepTimeout: time.Minute},
		Rollup:              testRollupConfig(),
		L1EpochPollInterval: 384 * time.Second,
	}
}

func TestConfigCheck(t *testing.T) {
	require.NoError(t, testConfig().Check())

	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"missing l1", func(cfg *Config) { cfg.L1.Addr = "" }},
		{"no l1 attempts", func(cfg *Config) { cfg.L1.MaxAttempts = 0 }},
		{"no prefetch concurrency", func(cfg *Config) { cfg.L1.PrefetchConcurrency = 0 }},
		{"no poll interval", func(cfg *Config) { cfg.L1.HTTPPollInterval = 0 }},
		{"missing l2", func(cfg *Config) { cfg.L2.Addr = "" }},
		{"empty beacon", func(cfg *Config) { cfg.Beacon = &L1BeaconEndpointConfig{} }},
		{"bad rollup config", func(cfg *Config) { cfg.Rollup.BlockTime = 0 }},
		{"no step timeout", func(cfg *Config) { cfg.Driver.StepTimeout = 0 }},
		{"bad metrics port", func(cfg *Config) { cfg.Metrics = MetricsConfig{Enabled: true, ListenPort: 70000} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.modify(cfg)
			require.Error(t, cfg.Check())
		})
	}

	t.Run("prefetch disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.L1.PrefetchDepth = 0
		cfg.L1.PrefetchConcurrency = 0
		require.NoError(t, cfg.Check())
	})
}

func TestCursorFile(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	path := filepath.Join(t.TempDir(), "cursor.json")

	c, err := readCursor(path)
	require.NoError(t, err, "missing cursor is not an error")
	require.Nil(t, c)

	origin := testutils.RandomBlockRef(rng)
	safe := testutils.RandomL2BlockRef(rng)
	in := &derive.PipelineCursor{
		Version:         derive.PipelineCursorVersion,
		Origin:          origin,
		SafeHead:        safe,
		AttributesBatch: hexutil.Bytes{0x01, 0x02},
	}
	require.NoError(t, writeCursor(path, in))

	out, err := readCursor(path)
	require.NoError(t, err)
	require.Equal(t, in.Origin, out.Origin)
	require.Equal(t, in.SafeHead, out.SafeHead)
	require.Equal(t, in.AttributesBatch, out.AttributesBatch)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")

	require.NoError(t, removeCursor(path))
	require.NoError(t, removeCursor(path), "removing twice is fine")
	c, err = readCursor(path)
	require.NoError(t, err)
	require.Nil(t, c)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":99}`), 0o644))
	_, err = readCursor(path)
	require.ErrorContains(t, err, "unsupported pipeline cursor version")
}

type fakeRPC struct {
	chainID *big.Int
	err     error
}

func (f *fakeRPC) CallContext(ctx context.Context, result any, method string, args ...any) error {
	if f.err != nil {
		return f.err
	}
	if method != "eth_chainId" {
		return errors.New("unexpected method")
	}
	*result.(*hexutil.Big) = hexutil.Big(*f.chainID)
	return nil
}

func (f *fakeRPC) Close() {}

func TestCheckChainID(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, checkChainID(ctx, &fakeRPC{chainID: big.NewInt(10)}, big.NewInt(10)))
	require.ErrorContains(t, checkChainID(ctx, &fakeRPC{chainID: big.NewInt(11)}, big.NewInt(10)), "incorrect chain ID")
	require.ErrorContains(t, checkChainID(ctx, &fakeRPC{err: errors.New("offline")}, big.NewInt(10)), "offline")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.L1.Addr = ""
	_, err := New(context.Background(), cfg, nil, "test", nil)
	require.Error(t, err)
}
