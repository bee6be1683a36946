package derive

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

type fakeBatchSource struct {
	origin  eth.L1BlockRef
	batches []Batch
}

func (f *fakeBatchSource) Origin() eth.L1BlockRef {
	return f.origin
}

func (f *fakeBatchSource) NextBatch(_ context.Context) (Batch, error) {
	if len(f.batches) == 0 {
		return nil, io.EOF
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeBatchSource) at(origin eth.L1BlockRef, batches ...Batch) {
	f.origin = origin
	f.batches = batches
}

type batchQueueTester struct {
	t    *testing.T
	cfg  *rollup.Config
	src  *fakeBatchSource
	bq   *BatchQueue
	head eth.L2BlockRef
}

func newBatchQueueTester(t *testing.T, cfg *rollup.Config, base eth.L1BlockRef, head eth.L2BlockRef, l2 SafeBlockFetcher) *batchQueueTester {
	src := &fakeBatchSource{origin: base}
	bq := NewBatchQueue(testLogger(t), cfg, src, l2)
	require.Equal(t, io.EOF, bq.Reset(context.Background(), base, eth.SystemConfig{}))
	return &batchQueueTester{t: t, cfg: cfg, src: src, bq: bq, head: head}
}

// drain reads batches until the queue is out of data, each batch extends the safe head.
func (bt *batchQueueTester) drain() []*SingularBatch {
	bt.t.Helper()
	var out []*SingularBatch
	for i := 0; i < 1000; i++ {
		b, _, err := bt.bq.NextBatch(context.Background(), bt.head)
		switch {
		case err == io.EOF:
			return out
		case errors.Is(err, NotEnoughData):
		case err != nil:
			bt.t.Fatalf("unexpected error: %v", err)
		default:
			require.Equal(bt.t, bt.head.Hash, b.ParentHash)
			bt.head = childRef(bt.head, b.Timestamp, b.Epoch())
			out = append(out, b)
		}
	}
	bt.t.Fatal("batch queue did not settle")
	return nil
}

func timestamps(batches []*SingularBatch) []uint64 {
	out := make([]uint64, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.Timestamp)
	}
	return out
}

func TestBatchQueueOutOfOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(0xa00))
	cfg := testConfig()
	l1 := batchTestChain(rng, cfg, 2)
	genesis := genesisL2Ref(cfg)
	seq := newTestSequencer(rng, cfg, genesis)
	b1, b2, b3 := seq.next(l1[0], 1), seq.next(l1[0], 2), seq.next(l1[0], 0)

	bt := newBatchQueueTester(t, cfg, l1[0], genesis, nil)
	bt.src.at(l1[0], b3, b1, b2)
	out := bt.drain()
	require.Equal(t, []uint64{1002, 1004, 1006}, timestamps(out))
	require.Equal(t, b1.Transactions, out[0].Transactions)
	require.Equal(t, b2.Transactions, out[1].Transactions)
	require.Empty(t, out[2].Transactions)
}

func TestBatchQueueFirstSeenWins(t *testing.T) {
	rng := rand.New(rand.NewSource(0xa01))
	cfg := testConfig()
	l1 := batchTestChain(rng, cfg, 3)
	l1A, l1B := l1[0], l1[1]

	// the last block of epoch A, the next block may adopt B
	head := eth.L2BlockRef{
		Hash:     testutils.RandomHash(rng),
		Number:   5,
		Time:     l1B.Time - cfg.BlockTime,
		L1Origin: l1A.ID(),
	}
	seqA := newTestSequencer(rng, cfg, head)
	seqB := newTestSequencer(rng, cfg, head)
	first, second := seqA.next(l1B, 1), seqB.next(l1B, 2)

	bt := newBatchQueueTester(t, cfg, l1A, head, nil)
	bt.src.at(l1A, first, second)
	require.Empty(t, bt.drain(), "both batches wait for L1 block B to be known")
	require.Len(t, bt.bq.batches, 2)

	bt.src.at(l1B)
	out := bt.drain()
	require.Len(t, out, 1)
	require.Equal(t, first.Transactions, out[0].Transactions)
	require.Empty(t, bt.bq.batches, "the competing batch is dropped once its slot is taken")
}

func TestBatchQueueSpanBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(0xa02))
	cfg := testConfig()
	l1 := batchTestChain(rng, cfg, 2)
	genesis := genesisL2Ref(cfg)

	t.Run("span is split into singular batches", func(t *testing.T) {
		seq := newTestSequencer(rng, cfg, genesis)
		singles := []*SingularBatch{seq.next(l1[0], 1), seq.next(l1[0], 0), seq.next(l1[0], 3)}
		span := testSpan(t, cfg, 1, singles...)

		bt := newBatchQueueTester(t, cfg, l1[0], genesis, nil)
		bt.src.at(l1[0], span)
		var lastFlags []bool
		for len(lastFlags) < len(singles) {
			b, last, err := bt.bq.NextBatch(context.Background(), bt.head)
			if errors.Is(err, NotEnoughData) {
				continue
			}
			require.NoError(t, err)
			require.Equal(t, singles[len(lastFlags)].Timestamp, b.Timestamp)
			require.Equal(t, len(singles[len(lastFlags)].Transactions), len(b.Transactions))
			bt.head = childRef(bt.head, b.Timestamp, b.Epoch())
			lastFlags = append(lastFlags, last)
		}
		require.Equal(t, []bool{false, false, true}, lastFlags)
	})

	t.Run("invalid element drops the whole span", func(t *testing.T) {
		spanSeq := newTestSequencer(rng, cfg, genesis)
		span := testSpan(t, cfg, 1, spanSeq.next(l1[0], 1), spanSeq.next(l1[0], 1), spanSeq.next(l1[0], 1))
		span.Batches[1].Transactions = append(span.Batches[1].Transactions, hexutil.Bytes{types.DepositTxType, 0x01})

		seq := newTestSequencer(rng, cfg, genesis)
		b1, b2 := seq.next(l1[0], 2), seq.next(l1[0], 2)

		bt := newBatchQueueTester(t, cfg, l1[0], genesis, nil)
		bt.src.at(l1[0], span, b1, b2)
		out := bt.drain()
		require.Len(t, out, 2, "no block of the rejected span is derived")
		require.Equal(t, b1.Transactions, out[0].Transactions)
		require.Equal(t, b2.Transactions, out[1].Transactions)
	})

	t.Run("element with unknown origin drops the whole span", func(t *testing.T) {
		spanSeq := newTestSequencer(rng, cfg, genesis)
		span := testSpan(t, cfg, 1, spanSeq.next(l1[0], 1), spanSeq.next(l1[0], 1), spanSeq.next(l1[0], 1))
		span.Batches[1].EpochNum = rollup.Epoch(l1[0].Number + 50)

		seq := newTestSequencer(rng, cfg, genesis)
		b1, b2, b3 := seq.next(l1[0], 1), seq.next(l1[0], 1), seq.next(l1[0], 1)

		bt := newBatchQueueTester(t, cfg, l1[0], genesis, nil)
		bt.src.at(l1[0], span, b1, b2, b3)
		out := bt.drain()
		require.Len(t, out, 3)
		for i, b := range []*SingularBatch{b1, b2, b3} {
			require.Equal(t, b.Transactions, out[i].Transactions, "block %d comes from the singular batches", i)
		}
	})

	t.Run("element before its origin drops the whole span", func(t *testing.T) {
		spanSeq := newTestSequencer(rng, cfg, genesis)
		span := testSpan(t, cfg, 1, spanSeq.next(l1[0], 1), spanSeq.next(l1[1], 1), spanSeq.next(l1[1], 1))
		require.Less(t, span.Batches[1].Timestamp, l1[1].Time)

		seq := newTestSequencer(rng, cfg, genesis)
		b1, b2, b3 := seq.next(l1[0], 2), seq.next(l1[0], 2), seq.next(l1[0], 2)

		bt := newBatchQueueTester(t, cfg, l1[0], genesis, nil)
		bt.src.at(l1[0])
		require.Empty(t, bt.drain())
		bt.src.at(l1[1], span, b1, b2, b3)
		out := bt.drain()
		require.Len(t, out, 3, "none of the span elements is derived")
		for i, b := range []*SingularBatch{b1, b2, b3} {
			require.Equal(t, b.Transactions, out[i].Transactions)
			require.Equal(t, rollup.Epoch(l1[0].Number), out[i].EpochNum)
		}
	})
}

func TestBatchQueueEmptyBatchesAfterSeqWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(0xa03))
	cfg := testConfig()
	l1 := batchTestChain(rng, cfg, 7)
	genesis := genesisL2Ref(cfg)

	bt := newBatchQueueTester(t, cfg, l1[0], genesis, nil)
	var out []*SingularBatch
	for i := range l1 {
		bt.src.at(l1[i])
		derived := bt.drain()
		if uint64(i) < cfg.SeqWindowSize {
			require.Empty(t, derived, "sequence window of the first epoch is still open at %d", l1[i].Number)
		}
		out = append(out, derived...)
	}

	// epoch 10 fills up to the time of 11, then 11 and 12 get one block per 2s until the next L1 block
	require.Len(t, out, 5+6+6)
	for i, b := range out {
		require.Equal(t, genesis.Time+uint64(i+1)*cfg.BlockTime, b.Timestamp)
		require.Empty(t, b.Transactions)
		epoch := l1[0]
		if i >= 5 {
			epoch = l1[1]
		}
		if i >= 11 {
			epoch = l1[2]
		}
		require.Equal(t, epoch.ID(), b.Epoch())
	}
}

func TestBatchQueueReset(t *testing.T) {
	rng := rand.New(rand.NewSource(0xa04))
	cfg := testConfig()
	l1 := batchTestChain(rng, cfg, 3)
	genesis := genesisL2Ref(cfg)
	seq := newTestSequencer(rng, cfg, genesis)
	seq.next(l1[0], 1)

	bt := newBatchQueueTester(t, cfg, l1[0], genesis, nil)
	bt.src.at(l1[0], seq.next(l1[0], 1))
	require.Empty(t, bt.drain())
	require.Len(t, bt.bq.batches, 1, "future batch is buffered")

	require.Equal(t, io.EOF, bt.bq.Reset(context.Background(), l1[1], eth.SystemConfig{}))
	require.Empty(t, bt.bq.batches)
	require.Empty(t, bt.bq.nextSpan)
	require.Equal(t, []eth.L1BlockRef{l1[1]}, bt.bq.l1Blocks)
}
