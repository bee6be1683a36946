package derive

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

type validBatchTestCase struct {
	Name       string
	L1Blocks   []eth.L1BlockRef
	L2SafeHead eth.L2BlockRef
	Batch      BatchWithL1InclusionBlock
	Expected   BatchValidity
}

// batchTestChain is an L1 chain starting at the rollup genesis, one block every 12 seconds.
func batchTestChain(rng *rand.Rand, cfg *rollup.Config, n int) []eth.L1BlockRef {
	chain := []eth.L1BlockRef{{
		Hash:       testutils.RandomHash(rng),
		Number:     testL1GenesisNum,
		ParentHash: testutils.RandomHash(rng),
		Time:       testL1GenesisTime,
	}}
	for len(chain) < n {
		parent := chain[len(chain)-1]
		chain = append(chain, eth.L1BlockRef{
			Hash:       testutils.RandomHash(rng),
			Number:     parent.Number + 1,
			ParentHash: parent.Hash,
			Time:       parent.Time + testL1BlockTime,
		})
	}
	cfg.Genesis.L1 = chain[0].ID()
	return chain
}

func TestValidSingularBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(0x900))
	cfg := testConfig()
	l1 := batchTestChain(rng, cfg, 8)
	l1A, l1B, l1C := l1[0], l1[1], l1[2]
	genesis := genesisL2Ref(cfg)

	// late is a safe head whose next block runs past the sequencer drift of its origin
	late := eth.L2BlockRef{
		Hash:     testutils.RandomHash(rng),
		Number:   350,
		Time:     l1A.Time + cfg.MaxSequencerDrift,
		L1Origin: l1A.ID(),
	}
	// onB is a safe head that already adopted l1B as its origin
	onB := eth.L2BlockRef{
		Hash:     testutils.RandomHash(rng),
		Number:   6,
		Time:     l1B.Time,
		L1Origin: l1B.ID(),
	}

	// beforeB is the last block of epoch l1A before l1B becomes adoptable
	beforeB := eth.L2BlockRef{
		Hash:     testutils.RandomHash(rng),
		Number:   5,
		Time:     l1B.Time - cfg.BlockTime,
		L1Origin: l1A.ID(),
	}

	batch := func(parent eth.L2BlockRef, origin eth.L1BlockRef, ts uint64, txs ...hexutil.Bytes) Batch {
		return &SingularBatch{
			ParentHash:   parent.Hash,
			EpochNum:     rollup.Epoch(origin.Number),
			EpochHash:    origin.Hash,
			Timestamp:    ts,
			Transactions: txs,
		}
	}
	userTx := hexutil.Bytes{types.DynamicFeeTxType, 0x01, 0x02}
	next := genesis.Time + cfg.BlockTime

	testCases := []validBatchTestCase{
		{
			Name:       "missing L1 info",
			L1Blocks:   []eth.L1BlockRef{},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1A, next)},
			Expected:   BatchUndecided,
		},
		{
			Name:       "future timestamp",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1A, next+1)},
			Expected:   BatchFuture,
		},
		{
			Name:       "old timestamp",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1A, genesis.Time)},
			Expected:   BatchDrop,
		},
		{
			Name:       "wrong parent hash",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(late, l1A, next)},
			Expected:   BatchDrop,
		},
		{
			Name:       "sequence window expired",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1[cfg.SeqWindowSize+1], Batch: batch(genesis, l1A, next)},
			Expected:   BatchDrop,
		},
		{
			Name:       "epoch too old",
			L1Blocks:   []eth.L1BlockRef{l1B, l1C},
			L2SafeHead: onB,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1C, Batch: batch(onB, l1A, onB.Time+cfg.BlockTime)},
			Expected:   BatchDrop,
		},
		{
			Name:       "next epoch without next L1 block",
			L1Blocks:   []eth.L1BlockRef{l1A},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1B, next)},
			Expected:   BatchUndecided,
		},
		{
			Name:       "epoch too far ahead",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B, l1C},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1C, Batch: batch(genesis, l1C, next)},
			Expected:   BatchDrop,
		},
		{
			Name:       "epoch hash mismatch",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch: BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: &SingularBatch{
				ParentHash: genesis.Hash,
				EpochNum:   rollup.Epoch(l1A.Number),
				EpochHash:  testutils.RandomHash(rng),
				Timestamp:  next,
			}},
			Expected: BatchDrop,
		},
		{
			Name:       "timestamp before next L1 origin",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1B, next)},
			Expected:   BatchDrop,
		},
		{
			Name:       "deposit transaction",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1A, next, userTx, hexutil.Bytes{types.DepositTxType, 0x01})},
			Expected:   BatchDrop,
		},
		{
			Name:       "empty transaction",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1A, next, hexutil.Bytes{})},
			Expected:   BatchDrop,
		},
		{
			Name:       "sequencer drift exceeded with transactions",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: late,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(late, l1A, late.Time+cfg.BlockTime, userTx)},
			Expected:   BatchDrop,
		},
		{
			Name:       "empty batch past drift without next L1 block",
			L1Blocks:   []eth.L1BlockRef{l1A},
			L2SafeHead: late,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(late, l1A, late.Time+cfg.BlockTime)},
			Expected:   BatchUndecided,
		},
		{
			Name:       "empty batch past drift when next origin could be adopted",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: late,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(late, l1A, late.Time+cfg.BlockTime)},
			Expected:   BatchDrop,
		},
		{
			Name:       "valid batch",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: genesis,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(genesis, l1A, next, userTx)},
			Expected:   BatchAccept,
		},
		{
			Name:       "valid batch on a later epoch",
			L1Blocks:   []eth.L1BlockRef{l1B, l1C},
			L2SafeHead: onB,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1C, Batch: batch(onB, l1B, onB.Time+cfg.BlockTime, userTx)},
			Expected:   BatchAccept,
		},
		{
			Name:       "valid batch adopting next epoch",
			L1Blocks:   []eth.L1BlockRef{l1A, l1B},
			L2SafeHead: beforeB,
			Batch:      BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: batch(beforeB, l1B, l1B.Time, userTx)},
			Expected:   BatchAccept,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.Name, func(t *testing.T) {
			validity := CheckBatch(context.Background(), cfg, testLogger(t), tc.L1Blocks, tc.L2SafeHead, &tc.Batch, nil)
			require.Equal(t, tc.Expected, validity)
		})
	}
}

func TestValidSpanBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(0x901))
	cfg := testConfig()
	l1 := batchTestChain(rng, cfg, 4)
	l1A, l1B := l1[0], l1[1]
	genesis := genesisL2Ref(cfg)

	check := func(t *testing.T, l2 SafeBlockFetcher, safe eth.L2BlockRef, span *SpanBatch, inclusion eth.L1BlockRef) BatchValidity {
		return CheckBatch(context.Background(), cfg, testLogger(t), []eth.L1BlockRef{l1A, l1B}, safe,
			&BatchWithL1InclusionBlock{L1InclusionBlock: inclusion, Batch: span}, l2)
	}

	t.Run("valid span", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, genesis)
		span := testSpan(t, cfg, 1, seq.next(l1A, 1), seq.next(l1A, 0), seq.next(l1A, 2))
		require.Equal(t, BatchValidity(BatchAccept), check(t, nil, genesis, span, l1B))
	})

	t.Run("future span", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, genesis)
		seq.next(l1A, 0)
		span := testSpan(t, cfg, 2, seq.next(l1A, 1), seq.next(l1A, 1))
		require.Equal(t, BatchValidity(BatchFuture), check(t, nil, genesis, span, l1B))
	})

	t.Run("deposit in one element drops the whole span", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, genesis)
		span := testSpan(t, cfg, 1, seq.next(l1A, 1), seq.next(l1A, 1), seq.next(l1A, 1))
		span.Batches[1].Transactions = append(span.Batches[1].Transactions, hexutil.Bytes{types.DepositTxType, 0x01})
		require.Equal(t, BatchValidity(BatchDrop), check(t, nil, genesis, span, l1B))
	})

	t.Run("span before delta", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, genesis)
		span := testSpan(t, cfg, 1, seq.next(l1A, 1))
		deltaCfg := *cfg
		delta := l1B.Time + 1
		deltaCfg.DeltaTime = &delta
		validity := CheckBatch(context.Background(), &deltaCfg, testLogger(t), []eth.L1BlockRef{l1A, l1B}, genesis,
			&BatchWithL1InclusionBlock{L1InclusionBlock: l1B, Batch: span}, nil)
		require.Equal(t, BatchValidity(BatchDrop), validity)
	})

	t.Run("wrong parent", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, testutils.RandomL2BlockRef(rng))
		seq.head.Time = genesis.Time
		span := testSpan(t, cfg, 1, seq.next(l1A, 1))
		require.Equal(t, BatchValidity(BatchDrop), check(t, nil, genesis, span, l1B))
	})

	t.Run("overlap with mismatching safe block", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, genesis)
		b1, b2, b3 := seq.next(l1A, 1), seq.next(l1A, 1), seq.next(l1A, 1)
		span := testSpan(t, cfg, 1, b1, b2, b3)

		block1 := childRef(genesis, b1.Timestamp, l1A.ID())
		safe := childRef(block1, b2.Timestamp, l1A.ID())

		l2 := &testutils.MockL2Source{}
		l2.ExpectL2BlockRefByNumber(genesis.Number, genesis, nil)
		// the safe block carries a different user transaction than the span element it overlaps
		l2.ExpectPayloadByNumber(block1.Number, &eth.ExecutionPayloadEnvelope{
			ExecutionPayload: &eth.ExecutionPayload{
				BlockNumber:  eth.Uint64Quantity(block1.Number),
				BlockHash:    block1.Hash,
				ParentHash:   genesis.Hash,
				Timestamp:    eth.Uint64Quantity(block1.Time),
				Transactions: []eth.Data{{types.DepositTxType, 0xc0}, {types.DynamicFeeTxType, 0xc0}},
			},
		}, nil)

		require.Equal(t, BatchValidity(BatchDrop), check(t, l2, safe, span, l1B))
		l2.AssertExpectations(t)
	})

	t.Run("overlap fetch failure is undecided", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, genesis)
		b1, b2 := seq.next(l1A, 1), seq.next(l1A, 1)
		span := testSpan(t, cfg, 1, b1, b2)
		safe := childRef(genesis, b1.Timestamp, l1A.ID())

		l2 := &testutils.MockL2Source{}
		l2.ExpectL2BlockRefByNumber(genesis.Number, eth.L2BlockRef{}, context.DeadlineExceeded)
		require.Equal(t, BatchValidity(BatchUndecided), check(t, l2, safe, span, l1B))
		l2.AssertExpectations(t)
	})
}
