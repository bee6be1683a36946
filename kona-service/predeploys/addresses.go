package predeploys

import "github.com/ethereum/go-ethereum/common"

const (
	L1Block           = "0x4200000000000000000000000000000000000015"
	SequencerFeeVault = "0x4200000000000000000000000000000000000011"
	L1InfoDepositer   = "0xDeaDDEaDDeAdDeAdDEAdDEaddeAddEAdDEAd0001"
)

var (
	L1BlockAddr           = common.HexToAddress(L1Block)
	SequencerFeeVaultAddr = common.HexToAddress(SequencerFeeVault)
	L1InfoDepositerAddr   = common.HexToAddress(L1InfoDepositer)
)
