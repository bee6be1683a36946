package chaincfg

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
)

func testConfig(l2ChainID int64) *rollup.Config {
	return &rollup.Config{
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
		L2ChainID:              big.NewInt(l2ChainID),
		BatchInboxAddress:      common.Address{4},
		DepositContractAddress: common.Address{5},
		L1SystemConfigAddress:  common.Address{6},
	}
}

func writeConfig(t *testing.T, dir string, name string, cfg *rollup.Config) {
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644))
}

func TestGetRollupConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "op-mainnet", testConfig(10))
	writeConfig(t, dir, "devnet", testConfig(901))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a config"), 0o644))

	networks, err := AvailableNetworks(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"devnet", "op-mainnet"}, networks)

	cfg, err := GetRollupConfig(dir, "mainnet")
	require.NoError(t, err, "legacy name resolves")
	require.Equal(t, big.NewInt(10), cfg.L2ChainID)

	cfg, err = GetRollupConfig(dir, "DevNet")
	require.NoError(t, err)
	require.Equal(t, uint64(300), cfg.ChannelTimeoutBedrock)

	_, err = GetRollupConfig(dir, "unknown")
	require.ErrorIs(t, err, ErrUnknownNetwork)

	names, err := L2ChainIDToNetworkDisplayName(dir)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"10": "op-mainnet", "901": "devnet"}, names)
}

func TestLoadRollupConfigChecks(t *testing.T) {
	dir := t.TempDir()
	bad := testConfig(10)
	bad.BlockTime = 0
	writeConfig(t, dir, "bad", bad)
	_, err := LoadRollupConfig(filepath.Join(dir, "bad.json"))
	require.ErrorIs(t, err, rollup.ErrBlockTimeZero)

	_, err = LoadRollupConfig(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
