package derive

import (
	"fmt"

	opderive "github.com/ethereum-optimism/optimism/op-node/rollup/derive"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/succinctlabs/kona/kona-node/rollup"
)

const (
	// EcotoneUpgradeTxCount deploys L1Block and GasPriceOracle, upgrades both proxies, enables
	// Ecotone on the oracle and deploys the EIP-4788 beacon roots contract.
	EcotoneUpgradeTxCount = 6
	// FjordUpgradeTxCount deploys GasPriceOracle, upgrades its proxy and enables Fjord.
	FjordUpgradeTxCount = 3
)

// NetworkUpgradeTransactions returns the upgrade deposits of the L2 block at l2BlockTime. They
// follow the user deposits and only appear in the first block of a fork.
func NetworkUpgradeTransactions(cfg *rollup.Config, l2BlockTime uint64) ([]hexutil.Bytes, error) {
	var upgradeTxs []hexutil.Bytes
	if cfg.IsEcotoneActivationBlock(l2BlockTime) {
		ecotone, err := opderive.EcotoneNetworkUpgradeTransactions()
		if err != nil {
			return nil, fmt.Errorf("failed to build ecotone network upgrade txs: %w", err)
		}
		upgradeTxs = append(upgradeTxs, ecotone...)
	}
	if cfg.IsFjordActivationBlock(l2BlockTime) {
		fjord, err := opderive.FjordNetworkUpgradeTransactions()
		if err != nil {
			return nil, fmt.Errorf("failed to build fjord network upgrade txs: %w", err)
		}
		upgradeTxs = append(upgradeTxs, fjord...)
	}
	return upgradeTxs, nil
}
