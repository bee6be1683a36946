// Package chaincfg loads the published rollup configurations of the networks the node can follow.
package chaincfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/succinctlabs/kona/kona-node/rollup"
)

var ErrUnknownNetwork = errors.New("unknown network")

// 网络配置文件以 <name>.json 形式保存在网络目录中，内容为 rollup.json
const configExt = ".json"

// LoadRollupConfig reads and checks a rollup.json file.
func LoadRollupConfig(path string) (*rollup.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rollup config %q: %w", path, err)
	}
	defer f.Close()
	cfg, err := rollup.LoadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read rollup config %q: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid rollup config %q: %w", path, err)
	}
	return cfg, nil
}

// AvailableNetworks returns the names of the networks with a config in dir.
func AvailableNetworks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks dir: %w", err)
	}
	var networks []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != configExt {
			continue
		}
		networks = append(networks, strings.TrimSuffix(e.Name(), configExt))
	}
	sort.Strings(networks)
	return networks, nil
}

// L2ChainIDToNetworkDisplayName maps the L2 chain ID of every network in dir to its name.
func L2ChainIDToNetworkDisplayName(dir string) (map[string]string, error) {
	networks, err := AvailableNetworks(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, name := range networks {
		cfg, err := GetRollupConfig(dir, name)
		if err != nil {
			return nil, err
		}
		out[cfg.L2ChainID.String()] = name
	}
	return out, nil
}

func handleLegacyName(name string) string {
	switch name {
	case "mainnet":
		return "op-mainnet"
	case "sepolia":
		return "op-sepolia"
	default:
		return name
	}
}

// GetRollupConfig loads the rollup config of a network by name.
func GetRollupConfig(dir string, name string) (*rollup.Config, error) {
	name = handleLegacyName(name)
	networks, err := AvailableNetworks(dir)
	if err != nil {
		return nil, err
	}
	for _, n := range networks {
		if strings.EqualFold(n, name) {
			return LoadRollupConfig(filepath.Join(dir, n+configExt))
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}
