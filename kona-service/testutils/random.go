package testutils

import (
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/succinctlabs/kona/kona-service/eth"
)

func RandomBool(rng *rand.Rand) bool {
	return rng.Intn(2) == 1
}

func RandomHash(rng *rand.Rand) (out common.Hash) {
	rng.Read(out[:])
	return
}

func RandomAddress(rng *rand.Rand) (out common.Address) {
	rng.Read(out[:])
	return
}

func RandomData(rng *rand.Rand, size int) []byte {
	out := make([]byte, size)
	rng.Read(out)
	return out
}

func RandomBlockID(rng *rand.Rand) eth.BlockID {
	return eth.BlockID{
		Hash:   RandomHash(rng),
		Number: rng.Uint64() & ((1 << 50) - 1), // be json friendly
	}
}

func RandomBlockRef(rng *rand.Rand) eth.L1BlockRef {
	return eth.L1BlockRef{
		Hash:       RandomHash(rng),
		Number:     rng.Uint64(),
		ParentHash: RandomHash(rng),
		Time:       rng.Uint64(),
	}
}

// NextRandomRef returns a child of parent, 12 seconds later.
func NextRandomRef(rng *rand.Rand, parent eth.L1BlockRef) eth.L1BlockRef {
	return eth.L1BlockRef{
		Hash:       RandomHash(rng),
		Number:     parent.Number + 1,
		ParentHash: parent.Hash,
		Time:       parent.Time + 12,
	}
}

func RandomL2BlockRef(rng *rand.Rand) eth.L2BlockRef {
	return eth.L2BlockRef{
		Hash:           RandomHash(rng),
		Number:         rng.Uint64(),
		ParentHash:     RandomHash(rng),
		Time:           rng.Uint64(),
		L1Origin:       RandomBlockID(rng),
		SequenceNumber: rng.Uint64(),
	}
}

// NextRandomL2Ref returns a child of parent on the given L1 origin.
func NextRandomL2Ref(rng *rand.Rand, l2BlockTime uint64, parent eth.L2BlockRef, origin eth.BlockID) eth.L2BlockRef {
	seq := parent.SequenceNumber + 1
	if parent.L1Origin != origin {
		seq = 0
	}
	return eth.L2BlockRef{
		Hash:           RandomHash(rng),
		Number:         parent.Number + 1,
		ParentHash:     parent.Hash,
		Time:           parent.Time + l2BlockTime,
		L1Origin:       origin,
		SequenceNumber: seq,
	}
}

// RandomHeader returns a post-London header with the given parent and number.
func RandomHeader(rng *rand.Rand, parent common.Hash, number uint64, time uint64) *types.Header {
	return &types.Header{
		ParentHash:  parent,
		Coinbase:    RandomAddress(rng),
		Root:        RandomHash(rng),
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
		Difficulty:  common.Big0,
		Number:      new(big.Int).SetUint64(number),
		GasLimit:    30_000_000,
		GasUsed:     rng.Uint64() % 30_000_000,
		Time:        time,
		MixDigest:   RandomHash(rng),
		BaseFee:     big.NewInt(rng.Int63n(300_000_000_000)),
	}
}

// RandomLegacyTx returns a signed legacy transaction.
func RandomLegacyTx(rng *rand.Rand, signer types.Signer) *types.Transaction {
	key, err := newKey(rng)
	if err != nil {
		panic(err)
	}
	to := RandomAddress(rng)
	tx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce:    rng.Uint64() % 1000,
		GasPrice: big.NewInt(rng.Int63n(100_000_000_000)),
		Gas:      21_000 + rng.Uint64()%100_000,
		To:       &to,
		Value:    big.NewInt(rng.Int63n(1_000_000)),
		Data:     RandomData(rng, rng.Intn(100)),
	})
	if err != nil {
		panic(err)
	}
	return tx
}

// RandomDynamicFeeTx returns a signed EIP-1559 transaction.
func RandomDynamicFeeTx(rng *rand.Rand, signer types.Signer) *types.Transaction {
	key, err := newKey(rng)
	if err != nil {
		panic(err)
	}
	to := RandomAddress(rng)
	tx, err := types.SignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   signer.ChainID(),
		Nonce:     rng.Uint64() % 1000,
		GasTipCap: big.NewInt(rng.Int63n(10_000_000_000)),
		GasFeeCap: big.NewInt(rng.Int63n(100_000_000_000)),
		Gas:       21_000 + rng.Uint64()%100_000,
		To:        &to,
		Value:     big.NewInt(rng.Int63n(1_000_000)),
		Data:      RandomData(rng, rng.Intn(100)),
	})
	if err != nil {
		panic(err)
	}
	return tx
}
