package derive

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testlog"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

const (
	testL1GenesisNum  = 10
	testL1GenesisTime = 1000
	testL1BlockTime   = 12
)

var testL2GenesisHash = common.HexToHash("0x1d2e3f00000000000000000000000000000000000000000000000000000000aa")

func testConfig() *rollup.Config {
	zero := uint64(0)
	return &rollup.Config{
		Genesis: rollup.Genesis{
			L1:     eth.BlockID{Number: testL1GenesisNum},
			L2:     eth.BlockID{Hash: testL2GenesisHash, Number: 0},
			L2Time: testL1GenesisTime,
			SystemConfig: eth.SystemConfig{
				Scalar:   eth.Bytes32{31: 0x68},
				GasLimit: 30_000_000,
			},
		},
		BlockTime:              2,
		MaxSequencerDrift:      600,
		SeqWindowSize:          4,
		ChannelTimeoutBedrock:  4,
		L1ChainID:              big.NewInt(900),
		L2ChainID:              big.NewInt(901),
		RegolithTime:           &zero,
		CanyonTime:             &zero,
		DeltaTime:              &zero,
		BatchInboxAddress:      common.HexToAddress("0xff00000000000000000000000000000000000901"),
		DepositContractAddress: common.HexToAddress("0xdeadbeef00000000000000000000000000000001"),
		L1SystemConfigAddress:  common.HexToAddress("0xdeadbeef00000000000000000000000000000002"),
	}
}

func testLogger(t *testing.T) log.Logger {
	return testlog.Logger(t, slog.LevelDebug)
}

// fakeL1 is an in-memory L1 chain. Blocks carry batcher transactions only, receipts are empty.
type fakeL1 struct {
	rng    *rand.Rand
	cfg    *rollup.Config
	key    *ecdsa.PrivateKey
	signer types.Signer
	nonce  uint64

	headers []*types.Header // by number, starting at the L1 genesis
	txs     map[common.Hash]types.Transactions
}

var _ L1Fetcher = (*fakeL1)(nil)

// newFakeL1 creates the L1 genesis block and anchors the rollup config and batcher to it.
func newFakeL1(rng *rand.Rand, cfg *rollup.Config) *fakeL1 {
	l1 := &fakeL1{
		rng:    rng,
		cfg:    cfg,
		key:    testutils.RandomKey(rng),
		signer: types.LatestSignerForChainID(cfg.L1ChainID),
		txs:    make(map[common.Hash]types.Transactions),
	}
	genesis := testutils.RandomHeader(rng, testutils.RandomHash(rng), testL1GenesisNum, testL1GenesisTime)
	l1.headers = append(l1.headers, genesis)
	cfg.Genesis.L1 = eth.BlockID{Hash: genesis.Hash(), Number: testL1GenesisNum}
	cfg.Genesis.SystemConfig.BatcherAddr = crypto.PubkeyToAddress(l1.key.PublicKey)
	return l1
}

func (l1 *fakeL1) tip() *types.Header {
	return l1.headers[len(l1.headers)-1]
}

// addBlock appends a block carrying one batcher transaction per payload.
func (l1 *fakeL1) addBlock(payloads ...[]byte) eth.L1BlockRef {
	parent := l1.tip()
	h := testutils.RandomHeader(l1.rng, parent.Hash(), parent.Number.Uint64()+1, parent.Time+testL1BlockTime)
	var txs types.Transactions
	for _, data := range payloads {
		txs = append(txs, l1.batcherTx(data))
	}
	l1.headers = append(l1.headers, h)
	l1.txs[h.Hash()] = txs
	return l1.ref(h.Number.Uint64())
}

func (l1 *fakeL1) batcherTx(data []byte) *types.Transaction {
	to := l1.cfg.BatchInboxAddress
	tx, err := types.SignNewTx(l1.key, l1.signer, &types.DynamicFeeTx{
		ChainID:   l1.cfg.L1ChainID,
		Nonce:     l1.nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       1_000_000,
		To:        &to,
		Data:      data,
	})
	if err != nil {
		panic(err)
	}
	l1.nonce++
	return tx
}

// rewind drops every block from num onwards, the next addBlock builds a competing fork.
func (l1 *fakeL1) rewind(num uint64) {
	l1.headers = l1.headers[:num-testL1GenesisNum]
}

func (l1 *fakeL1) ref(num uint64) eth.L1BlockRef {
	return eth.InfoToL1BlockRef(eth.HeaderBlockInfo(l1.headers[num-testL1GenesisNum]))
}

func (l1 *fakeL1) byHash(hash common.Hash) (*types.Header, bool) {
	for _, h := range l1.headers {
		if h.Hash() == hash {
			return h, true
		}
	}
	return nil, false
}

func (l1 *fakeL1) L1BlockRefByNumber(_ context.Context, num uint64) (eth.L1BlockRef, error) {
	if num < testL1GenesisNum || num >= testL1GenesisNum+uint64(len(l1.headers)) {
		return eth.L1BlockRef{}, ethereum.NotFound
	}
	return l1.ref(num), nil
}

func (l1 *fakeL1) L1BlockRefByHash(_ context.Context, hash common.Hash) (eth.L1BlockRef, error) {
	h, ok := l1.byHash(hash)
	if !ok {
		return eth.L1BlockRef{}, ethereum.NotFound
	}
	return eth.InfoToL1BlockRef(eth.HeaderBlockInfo(h)), nil
}

func (l1 *fakeL1) InfoByHash(_ context.Context, hash common.Hash) (eth.BlockInfo, error) {
	h, ok := l1.byHash(hash)
	if !ok {
		return nil, ethereum.NotFound
	}
	return eth.HeaderBlockInfo(h), nil
}

func (l1 *fakeL1) InfoAndTxsByHash(_ context.Context, hash common.Hash) (eth.BlockInfo, types.Transactions, error) {
	h, ok := l1.byHash(hash)
	if !ok {
		return nil, nil, ethereum.NotFound
	}
	return eth.HeaderBlockInfo(h), l1.txs[hash], nil
}

func (l1 *fakeL1) FetchReceipts(_ context.Context, hash common.Hash) (eth.BlockInfo, types.Receipts, error) {
	h, ok := l1.byHash(hash)
	if !ok {
		return nil, nil, ethereum.NotFound
	}
	return eth.HeaderBlockInfo(h), types.Receipts{}, nil
}

// testL2Hash stands in for block execution: the hash commits to the parent, time and L1 origin.
func testL2Hash(parent common.Hash, time uint64, origin common.Hash) common.Hash {
	return crypto.Keccak256Hash(parent[:], binary.BigEndian.AppendUint64(nil, time), origin[:])
}

func childRef(parent eth.L2BlockRef, time uint64, origin eth.BlockID) eth.L2BlockRef {
	seq := parent.SequenceNumber + 1
	if parent.L1Origin != origin {
		seq = 0
	}
	return eth.L2BlockRef{
		Hash:           testL2Hash(parent.Hash, time, origin.Hash),
		Number:         parent.Number + 1,
		ParentHash:     parent.Hash,
		Time:           time,
		L1Origin:       origin,
		SequenceNumber: seq,
	}
}

func genesisL2Ref(cfg *rollup.Config) eth.L2BlockRef {
	return eth.L2BlockRef{
		Hash:     cfg.Genesis.L2.Hash,
		Number:   cfg.Genesis.L2.Number,
		Time:     cfg.Genesis.L2Time,
		L1Origin: cfg.Genesis.L1,
	}
}

// fakeL2 is the safe L2 chain. It "executes" attributes by appending a block on top of the head.
type fakeL2 struct {
	cfg    *rollup.Config
	blocks []eth.L2BlockRef
}

var _ L2Source = (*fakeL2)(nil)

func newFakeL2(cfg *rollup.Config) *fakeL2 {
	return &fakeL2{cfg: cfg, blocks: []eth.L2BlockRef{genesisL2Ref(cfg)}}
}

func (l2 *fakeL2) head() eth.L2BlockRef {
	return l2.blocks[len(l2.blocks)-1]
}

func (l2 *fakeL2) clone() *fakeL2 {
	return &fakeL2{cfg: l2.cfg, blocks: append([]eth.L2BlockRef{}, l2.blocks...)}
}

func (l2 *fakeL2) apply(t *testing.T, attrs *AttributesWithParent) eth.L2BlockRef {
	t.Helper()
	head := l2.head()
	require.Equal(t, head, attrs.Parent, "attributes must build on the safe head")
	require.NotEmpty(t, attrs.Attributes.Transactions)

	var infoTx types.Transaction
	require.NoError(t, infoTx.UnmarshalBinary(attrs.Attributes.Transactions[0]))
	require.Equal(t, uint8(types.DepositTxType), infoTx.Type())
	time := uint64(attrs.Attributes.Timestamp)
	info, err := L1BlockInfoFromBytes(l2.cfg, time, infoTx.Data())
	require.NoError(t, err)

	ref := childRef(head, time, eth.BlockID{Hash: info.BlockHash, Number: info.Number})
	require.Equal(t, ref.SequenceNumber, info.SequenceNumber)
	l2.blocks = append(l2.blocks, ref)
	return ref
}

func (l2 *fakeL2) L2BlockRefByNumber(_ context.Context, num uint64) (eth.L2BlockRef, error) {
	if num >= uint64(len(l2.blocks)) {
		return eth.L2BlockRef{}, ethereum.NotFound
	}
	return l2.blocks[num], nil
}

func (l2 *fakeL2) L2BlockRefByHash(_ context.Context, hash common.Hash) (eth.L2BlockRef, error) {
	for _, b := range l2.blocks {
		if b.Hash == hash {
			return b, nil
		}
	}
	return eth.L2BlockRef{}, ethereum.NotFound
}

func (l2 *fakeL2) PayloadByNumber(_ context.Context, num uint64) (*eth.ExecutionPayloadEnvelope, error) {
	return nil, ethereum.NotFound
}

func (l2 *fakeL2) SystemConfigByL2Hash(_ context.Context, hash common.Hash) (eth.SystemConfig, error) {
	if _, err := l2.L2BlockRefByHash(context.Background(), hash); err != nil {
		return eth.SystemConfig{}, err
	}
	return l2.cfg.Genesis.SystemConfig, nil
}

// testSequencer builds the batches a sequencer would post for a chain starting at head.
type testSequencer struct {
	cfg    *rollup.Config
	rng    *rand.Rand
	signer types.Signer
	head   eth.L2BlockRef
}

func newTestSequencer(rng *rand.Rand, cfg *rollup.Config, head eth.L2BlockRef) *testSequencer {
	return &testSequencer{
		cfg:    cfg,
		rng:    rng,
		signer: types.LatestSignerForChainID(cfg.L2ChainID),
		head:   head,
	}
}

func (s *testSequencer) randomTxs(n int) []hexutil.Bytes {
	out := make([]hexutil.Bytes, 0, n)
	for i := 0; i < n; i++ {
		data, err := testutils.RandomDynamicFeeTx(s.rng, s.signer).MarshalBinary()
		if err != nil {
			panic(err)
		}
		out = append(out, data)
	}
	return out
}

// next returns the batch of the next L2 block on the given L1 origin and advances the head.
func (s *testSequencer) next(origin eth.L1BlockRef, txCount int) *SingularBatch {
	b := &SingularBatch{
		ParentHash:   s.head.Hash,
		EpochNum:     rollup.Epoch(origin.Number),
		EpochHash:    origin.Hash,
		Timestamp:    s.head.Time + s.cfg.BlockTime,
		Transactions: s.randomTxs(txCount),
	}
	s.head = childRef(s.head, b.Timestamp, origin.ID())
	return b
}

// span packs the given singular batches into a span batch. seqNum is the sequence number of the
// block the first batch builds.
func testSpan(t *testing.T, cfg *rollup.Config, seqNum uint64, batches ...*SingularBatch) *SpanBatch {
	t.Helper()
	span := NewSpanBatch(cfg.Genesis.L2Time, cfg.L2ChainID)
	for _, b := range batches {
		require.NoError(t, span.AppendSingularBatch(b, seqNum))
	}
	return span
}

// channelData compresses the batches into the data of one channel.
func channelData(t *testing.T, algo CompressionAlgo, batches ...Batch) (ChannelID, []byte) {
	t.Helper()
	co, err := NewChannelOut(algo, 10_000_000)
	require.NoError(t, err)
	for _, b := range batches {
		require.NoError(t, co.AddBatch(b))
	}
	frames, err := co.FramesOf(MaxFrameLen)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	return co.ID(), frames[0].Data
}

// splitFrames cuts channel data into n frames, the last one closes the channel.
func splitFrames(id ChannelID, data []byte, n int) []Frame {
	frames := make([]Frame, 0, n)
	step := (len(data) + n - 1) / n
	for i := 0; i < n; i++ {
		start, end := i*step, (i+1)*step
		if start > len(data) {
			start = len(data)
		}
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, Frame{
			ID:          id,
			FrameNumber: uint16(i),
			Data:        data[start:end],
			IsLast:      i == n-1,
		})
	}
	return frames
}

func payloadOf(t *testing.T, frames ...Frame) []byte {
	t.Helper()
	data, err := BatcherPayload(frames...)
	require.NoError(t, err)
	return data
}

// runPipeline steps the pipeline on top of the L2 chain until it waits for more L1 data.
func runPipeline(t *testing.T, dp *DerivationPipeline, l2 *fakeL2) []*AttributesWithParent {
	t.Helper()
	var out []*AttributesWithParent
	for i := 0; i < 100_000; i++ {
		attrs, err := dp.Step(context.Background(), l2.head())
		switch {
		case err == io.EOF:
			return out
		case errors.Is(err, NotEnoughData):
		case err != nil:
			t.Fatalf("step %d failed: %v", i, err)
		default:
			l2.apply(t, attrs)
			out = append(out, attrs)
		}
	}
	t.Fatal("derivation did not settle")
	return nil
}

type derivedBlock struct {
	Parent    eth.BlockID
	Timestamp uint64
	Txs       []hexutil.Bytes
}

func summarize(attrs []*AttributesWithParent) []derivedBlock {
	out := make([]derivedBlock, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, derivedBlock{
			Parent:    a.Parent.ID(),
			Timestamp: uint64(a.Attributes.Timestamp),
			Txs:       a.Attributes.Transactions,
		})
	}
	return out
}

// batchTxs drops the L1 info deposit that every derived block starts with.
func batchTxs(a *AttributesWithParent) []hexutil.Bytes {
	return a.Attributes.Transactions[1:]
}
