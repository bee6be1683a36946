package derive

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
)

// L2BlockRefSource is a source for the generation of a L2BlockRef. E.g. a
// *types.Block is a L2BlockRefSource.
type L2BlockRefSource interface {
	Hash() common.Hash
	ParentHash() common.Hash
	NumberU64() uint64
	Time() uint64
	Transactions() types.Transactions
}

// l1InfoOf reads the L1 info deposit that every non-genesis L2 block starts with.
func l1InfoOf(rollupCfg *rollup.Config, blockHash common.Hash, l2Time uint64, first *types.Transaction) (*L1BlockInfo, error) {
	if first == nil {
		return nil, fmt.Errorf("l2 block is missing L1 info deposit tx, block hash: %s", blockHash)
	}
	if first.Type() != types.DepositTxType {
		return nil, fmt.Errorf("first payload tx has unexpected tx type: %d", first.Type())
	}
	info, err := L1BlockInfoFromBytes(rollupCfg, l2Time, first.Data())
	if err != nil {
		return nil, fmt.Errorf("failed to parse L1 info deposit tx from L2 block: %w", err)
	}
	return info, nil
}

func checkGenesisHash(rollupCfg *rollup.Config, hash common.Hash) error {
	genesis := &rollupCfg.Genesis
	if hash != genesis.L2.Hash {
		return fmt.Errorf("expected L2 genesis hash to match L2 block at genesis block number %d: %s <> %s", genesis.L2.Number, hash, genesis.L2.Hash)
	}
	return nil
}

// L2BlockToBlockRef extracts the essential L2BlockRef information from an L2
// block ref source, falling back to genesis information if necessary.
func L2BlockToBlockRef(rollupCfg *rollup.Config, block L2BlockRefSource) (eth.L2BlockRef, error) {
	ref := eth.L2BlockRef{
		Hash:       block.Hash(),
		Number:     block.NumberU64(),
		ParentHash: block.ParentHash(),
		Time:       block.Time(),
	}
	if ref.Number == rollupCfg.Genesis.L2.Number {
		if err := checkGenesisHash(rollupCfg, ref.Hash); err != nil {
			return eth.L2BlockRef{}, err
		}
		ref.L1Origin = rollupCfg.Genesis.L1
		return ref, nil
	}
	var first *types.Transaction
	if txs := block.Transactions(); txs.Len() > 0 {
		first = txs[0]
	}
	info, err := l1InfoOf(rollupCfg, ref.Hash, ref.Time, first)
	if err != nil {
		return eth.L2BlockRef{}, err
	}
	ref.L1Origin = eth.BlockID{Hash: info.BlockHash, Number: info.Number}
	ref.SequenceNumber = info.SequenceNumber
	return ref, nil
}

func firstPayloadTx(payload *eth.ExecutionPayload) (*types.Transaction, error) {
	if len(payload.Transactions) == 0 {
		return nil, nil
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(payload.Transactions[0]); err != nil {
		return nil, fmt.Errorf("failed to decode first tx to read l1 info from: %w", err)
	}
	return &tx, nil
}

// PayloadToBlockRef extracts the essential L2BlockRef information from an execution payload,
// falling back to genesis information if necessary.
func PayloadToBlockRef(rollupCfg *rollup.Config, payload *eth.ExecutionPayload) (eth.L2BlockRef, error) {
	ref := eth.L2BlockRef{
		Hash:       payload.BlockHash,
		Number:     uint64(payload.BlockNumber),
		ParentHash: payload.ParentHash,
		Time:       uint64(payload.Timestamp),
	}
	if ref.Number == rollupCfg.Genesis.L2.Number {
		if err := checkGenesisHash(rollupCfg, ref.Hash); err != nil {
			return eth.L2BlockRef{}, err
		}
		ref.L1Origin = rollupCfg.Genesis.L1
		return ref, nil
	}
	first, err := firstPayloadTx(payload)
	if err != nil {
		return eth.L2BlockRef{}, err
	}
	info, err := l1InfoOf(rollupCfg, ref.Hash, ref.Time, first)
	if err != nil {
		return eth.L2BlockRef{}, err
	}
	ref.L1Origin = eth.BlockID{Hash: info.BlockHash, Number: info.Number}
	ref.SequenceNumber = info.SequenceNumber
	return ref, nil
}

// PayloadToSystemConfig reads the system config an L2 block was built with back out of its L1 info deposit.
// 创世块直接使用 rollup 配置里的系统配置
func PayloadToSystemConfig(rollupCfg *rollup.Config, payload *eth.ExecutionPayload) (eth.SystemConfig, error) {
	if uint64(payload.BlockNumber) == rollupCfg.Genesis.L2.Number {
		if err := checkGenesisHash(rollupCfg, payload.BlockHash); err != nil {
			return eth.SystemConfig{}, err
		}
		return rollupCfg.Genesis.SystemConfig, nil
	}
	first, err := firstPayloadTx(payload)
	if err != nil {
		return eth.SystemConfig{}, err
	}
	info, err := l1InfoOf(rollupCfg, payload.BlockHash, uint64(payload.Timestamp), first)
	if err != nil {
		return eth.SystemConfig{}, err
	}
	if isEcotoneButNotFirstBlock(rollupCfg, uint64(payload.Timestamp)) {
		// We do not know if it was derived from a v0 or v1 scalar,
		// but v1 is fine, a 0 blob base fee has the same effect.
		info.L1FeeScalar = eth.EncodeScalar(info.BlobBaseFeeScalar, info.BaseFeeScalar)
	}
	return eth.SystemConfig{
		BatcherAddr: info.BatcherAddr,
		Overhead:    info.L1FeeOverhead,
		Scalar:      info.L1FeeScalar,
		GasLimit:    uint64(payload.GasLimit),
	}, nil
}
