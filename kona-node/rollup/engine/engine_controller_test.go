package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testlog"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

type testMetrics struct {
	refs        map[string]eth.L2BlockRef
	safeUpdates int
}

func (m *testMetrics) RecordL2Ref(name string, ref eth.L2BlockRef) {
	if m.refs == nil {
		m.refs = make(map[string]eth.L2BlockRef)
	}
	m.refs[name] = ref
}

func (m *testMetrics) RecordSafeHeadUpdate() {
	m.safeUpdates++
}

type engineTest struct {
	rng     *rand.Rand
	cfg     *rollup.Config
	eng     *testutils.MockEngine
	metrics *testMetrics
	ec      *EngineController

	finalized eth.L2BlockRef
	safe      eth.L2BlockRef
}

func newEngineTest(t *testing.T) *engineTest {
	rng := rand.New(rand.NewSource(1234))
	cfg := &rollup.Config{
		Genesis: rollup.Genesis{
			L1: eth.BlockID{Number: 50},
			L2: eth.BlockID{Hash: testutils.RandomHash(rng)},
		},
		BlockTime:     2,
		SeqWindowSize: 10,
		L2ChainID:     big.NewInt(901),
	}
	finalized := testutils.RandomL2BlockRef(rng)
	finalized.Number = 8
	finalized.Time = 1000
	finalized.SequenceNumber = 0
	mid := testutils.NextRandomL2Ref(rng, cfg.BlockTime, finalized, finalized.L1Origin)
	safe := testutils.NextRandomL2Ref(rng, cfg.BlockTime, mid, mid.L1Origin)

	eng := &testutils.MockEngine{}
	m := &testMetrics{}
	ec := NewEngineController(eng, testlog.Logger(t, slog.LevelDebug), m, cfg)
	ec.SetFinalizedHead(finalized)
	ec.SetSafeHead(safe)
	ec.SetPendingSafeL2Head(safe)
	ec.SetUnsafeHead(safe)
	ec.needFCUCall = false
	m.safeUpdates = 0
	return &engineTest{rng: rng, cfg: cfg, eng: eng, metrics: m, ec: ec, finalized: finalized, safe: safe}
}

// nextBlock returns attributes on top of parent and the payload the engine builds from them.
func (et *engineTest) nextBlock(t *testing.T, parent eth.L2BlockRef, userTxs ...eth.Data) (*eth.PayloadAttributes, *eth.ExecutionPayloadEnvelope) {
	l2Time := parent.Time + et.cfg.BlockTime
	l1Info := eth.HeaderBlockInfo(testutils.RandomHeader(et.rng, testutils.RandomHash(et.rng), parent.L1Origin.Number, l2Time-1))
	infoTx, err := derive.L1InfoDepositBytes(et.cfg, et.cfg.Genesis.SystemConfig, parent.SequenceNumber+1, l1Info, l2Time)
	require.NoError(t, err)
	gasLimit := eth.Uint64Quantity(30_000_000)
	attrs := &eth.PayloadAttributes{
		Timestamp:             eth.Uint64Quantity(l2Time),
		PrevRandao:            eth.Bytes32(testutils.RandomHash(et.rng)),
		SuggestedFeeRecipient: testutils.RandomAddress(et.rng),
		Transactions:          append([]eth.Data{infoTx}, userTxs...),
		NoTxPool:              true,
		GasLimit:              &gasLimit,
	}
	payload := &eth.ExecutionPayload{
		ParentHash:   parent.Hash,
		FeeRecipient: attrs.SuggestedFeeRecipient,
		PrevRandao:   attrs.PrevRandao,
		BlockNumber:  eth.Uint64Quantity(parent.Number + 1),
		GasLimit:     gasLimit,
		Timestamp:    attrs.Timestamp,
		BlockHash:    testutils.RandomHash(et.rng),
		Transactions: attrs.Transactions,
	}
	return attrs, &eth.ExecutionPayloadEnvelope{ExecutionPayload: payload}
}

func (et *engineTest) expectBuild(attrs *eth.PayloadAttributes, parent eth.L2BlockRef, envelope *eth.ExecutionPayloadEnvelope) {
	id := eth.PayloadID{0xaa, byte(parent.Number)}
	et.eng.ExpectForkchoiceUpdate(&eth.ForkchoiceState{
		HeadBlockHash:      parent.Hash,
		SafeBlockHash:      et.ec.SafeL2Head().Hash,
		FinalizedBlockHash: et.finalized.Hash,
	}, attrs, &eth.ForkchoiceUpdatedResult{PayloadStatus: eth.PayloadStatusV1{Status: eth.ExecutionValid}, PayloadID: &id}, nil)
	et.eng.ExpectGetPayload(id, envelope, nil)
	et.eng.ExpectNewPayload(envelope.ExecutionPayload, nil, &eth.PayloadStatusV1{Status: eth.ExecutionValid}, nil)
}

func (et *engineTest) expectFCU(head, safe eth.L2BlockRef) {
	et.eng.ExpectForkchoiceUpdate(&eth.ForkchoiceState{
		HeadBlockHash:      head.Hash,
		SafeBlockHash:      safe.Hash,
		FinalizedBlockHash: et.finalized.Hash,
	}, nil, &eth.ForkchoiceUpdatedResult{PayloadStatus: eth.PayloadStatusV1{Status: eth.ExecutionValid}}, nil)
}

func refOf(t *testing.T, cfg *rollup.Config, envelope *eth.ExecutionPayloadEnvelope) eth.L2BlockRef {
	ref, err := derive.PayloadToBlockRef(cfg, envelope.ExecutionPayload)
	require.NoError(t, err)
	return ref
}

func TestInsertAttributesConcluding(t *testing.T) {
	et := newEngineTest(t)
	attrs, envelope := et.nextBlock(t, et.safe)
	ref := refOf(t, et.cfg, envelope)
	et.expectBuild(attrs, et.safe, envelope)
	et.expectFCU(ref, ref)

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{
		Attributes: attrs,
		Parent:     et.safe,
		Concluding: true,
	})
	require.NoError(t, err)
	require.Equal(t, ref, et.ec.UnsafeL2Head())
	require.Equal(t, ref, et.ec.PendingSafeL2Head())
	require.Equal(t, ref, et.ec.SafeL2Head())
	require.Equal(t, 1, et.metrics.safeUpdates)
	require.Equal(t, ref, et.metrics.refs["l2_safe"])
	et.eng.AssertExpectations(t)
}

func TestInsertAttributesSpanInProgress(t *testing.T) {
	et := newEngineTest(t)
	attrs, envelope := et.nextBlock(t, et.safe)
	ref := refOf(t, et.cfg, envelope)
	et.expectBuild(attrs, et.safe, envelope)
	// the safe label stays behind until the batch concludes
	et.expectFCU(ref, et.safe)

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: et.safe})
	require.NoError(t, err)
	require.Equal(t, ref, et.ec.PendingSafeL2Head())
	require.Equal(t, et.safe, et.ec.SafeL2Head())
	require.Zero(t, et.metrics.safeUpdates)

	attrs2, envelope2 := et.nextBlock(t, ref)
	ref2 := refOf(t, et.cfg, envelope2)
	et.expectBuild(attrs2, ref, envelope2)
	et.expectFCU(ref2, ref2)
	err = et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs2, Parent: ref, Concluding: true})
	require.NoError(t, err)
	require.Equal(t, ref2, et.ec.SafeL2Head())
	et.eng.AssertExpectations(t)
}

func TestInsertAttributesWrongParent(t *testing.T) {
	et := newEngineTest(t)
	attrs, _ := et.nextBlock(t, et.safe)
	other := testutils.RandomL2BlockRef(et.rng)
	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: other, Concluding: true})
	require.ErrorIs(t, err, derive.ErrReset)
	et.eng.AssertExpectations(t)
}

func TestInsertAttributesConsolidate(t *testing.T) {
	et := newEngineTest(t)
	attrs, envelope := et.nextBlock(t, et.safe)
	ref := refOf(t, et.cfg, envelope)
	et.ec.SetUnsafeHead(ref)

	et.eng.ExpectPayloadByNumber(ref.Number, envelope, nil)
	et.expectFCU(ref, ref)

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: et.safe, Concluding: true})
	require.NoError(t, err)
	require.Equal(t, ref, et.ec.SafeL2Head())
	require.Equal(t, ref, et.ec.UnsafeL2Head())
	et.eng.AssertExpectations(t)
}

func TestInsertAttributesReorgUnsafe(t *testing.T) {
	et := newEngineTest(t)
	attrs, envelope := et.nextBlock(t, et.safe)
	_, unsafeEnvelope := et.nextBlock(t, et.safe)
	unsafeRef := refOf(t, et.cfg, unsafeEnvelope)
	et.ec.SetUnsafeHead(unsafeRef)
	ref := refOf(t, et.cfg, envelope)

	et.eng.ExpectPayloadByNumber(unsafeRef.Number, unsafeEnvelope, nil)
	et.expectBuild(attrs, et.safe, envelope)
	et.expectFCU(ref, ref)

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: et.safe, Concluding: true})
	require.NoError(t, err)
	require.Equal(t, ref, et.ec.UnsafeL2Head(), "the derived block replaces the unsafe block")
	require.Equal(t, ref, et.ec.SafeL2Head())
	et.eng.AssertExpectations(t)
}

func TestInsertAttributesConsolidateMissingBlock(t *testing.T) {
	et := newEngineTest(t)
	attrs, envelope := et.nextBlock(t, et.safe)
	et.ec.SetUnsafeHead(refOf(t, et.cfg, envelope))
	et.eng.ExpectPayloadByNumber(et.safe.Number+1, nil, ethereum.NotFound)

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: et.safe, Concluding: true})
	require.ErrorIs(t, err, derive.ErrReset)
}

func TestInsertAttributesInvalidFallsBackToDeposits(t *testing.T) {
	et := newEngineTest(t)
	userTx := eth.Data(append([]byte{0x02}, testutils.RandomData(et.rng, 40)...))
	attrs, _ := et.nextBlock(t, et.safe, userTx)

	et.eng.ExpectForkchoiceUpdate(&eth.ForkchoiceState{
		HeadBlockHash:      et.safe.Hash,
		SafeBlockHash:      et.safe.Hash,
		FinalizedBlockHash: et.finalized.Hash,
	}, attrs, nil, eth.InputError{Inner: errors.New("bad tx"), Code: eth.InvalidPayloadAttributes})

	depositsOnly := attrs.WithDepositsOnly()
	require.Len(t, depositsOnly.Transactions, 1)
	envelope := &eth.ExecutionPayloadEnvelope{ExecutionPayload: &eth.ExecutionPayload{
		ParentHash:   et.safe.Hash,
		BlockNumber:  eth.Uint64Quantity(et.safe.Number + 1),
		Timestamp:    attrs.Timestamp,
		BlockHash:    testutils.RandomHash(et.rng),
		Transactions: depositsOnly.Transactions,
	}}
	ref := refOf(t, et.cfg, envelope)
	et.expectBuild(depositsOnly, et.safe, envelope)
	et.expectFCU(ref, ref)

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: et.safe, Concluding: true})
	require.NoError(t, err)
	require.Equal(t, ref, et.ec.SafeL2Head())
	et.eng.AssertExpectations(t)
}

func TestInsertAttributesInvalidDepositsOnly(t *testing.T) {
	et := newEngineTest(t)
	attrs, _ := et.nextBlock(t, et.safe)
	et.eng.ExpectForkchoiceUpdate(&eth.ForkchoiceState{
		HeadBlockHash:      et.safe.Hash,
		SafeBlockHash:      et.safe.Hash,
		FinalizedBlockHash: et.finalized.Hash,
	}, attrs, nil, eth.InputError{Inner: errors.New("bad deposit"), Code: eth.InvalidPayloadAttributes})

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: et.safe, Concluding: true})
	require.ErrorIs(t, err, derive.ErrCritical)
	require.Equal(t, et.safe, et.ec.SafeL2Head())
}

func TestInsertAttributesEngineSyncing(t *testing.T) {
	et := newEngineTest(t)
	attrs, _ := et.nextBlock(t, et.safe)
	et.eng.ExpectForkchoiceUpdate(&eth.ForkchoiceState{
		HeadBlockHash:      et.safe.Hash,
		SafeBlockHash:      et.safe.Hash,
		FinalizedBlockHash: et.finalized.Hash,
	}, attrs, &eth.ForkchoiceUpdatedResult{PayloadStatus: eth.PayloadStatusV1{Status: eth.ExecutionSyncing}}, nil)

	err := et.ec.InsertAttributes(context.Background(), &derive.AttributesWithParent{Attributes: attrs, Parent: et.safe, Concluding: true})
	require.ErrorIs(t, err, derive.ErrTemporary)
	require.ErrorIs(t, err, ErrEngineSyncing)
}

func TestEngineControllerReset(t *testing.T) {
	et := newEngineTest(t)
	unsafe := testutils.NextRandomL2Ref(et.rng, et.cfg.BlockTime, et.safe, et.safe.L1Origin)
	et.eng.ExpectL2BlockRefByLabel(eth.Finalized, et.finalized, nil)
	et.eng.ExpectL2BlockRefByLabel(eth.Safe, et.safe, nil)
	et.eng.ExpectL2BlockRefByLabel(eth.Unsafe, unsafe, nil)

	require.NoError(t, et.ec.Reset(context.Background()))
	require.Equal(t, unsafe, et.ec.UnsafeL2Head())
	require.Equal(t, et.safe, et.ec.SafeL2Head())
	require.Equal(t, et.safe, et.ec.PendingSafeL2Head())
	require.Equal(t, et.finalized, et.ec.Finalized())
	et.eng.AssertExpectations(t)
}

func TestEngineControllerResetNoFinalized(t *testing.T) {
	et := newEngineTest(t)
	genesis := eth.L2BlockRef{Hash: et.cfg.Genesis.L2.Hash, L1Origin: et.cfg.Genesis.L1}
	et.eng.ExpectL2BlockRefByLabel(eth.Finalized, eth.L2BlockRef{}, ethereum.NotFound)
	et.eng.ExpectL2BlockRefByLabel(eth.Safe, genesis, nil)
	et.eng.ExpectL2BlockRefByLabel(eth.Safe, genesis, nil)
	et.eng.ExpectL2BlockRefByLabel(eth.Unsafe, genesis, nil)

	require.NoError(t, et.ec.Reset(context.Background()))
	require.Equal(t, genesis, et.ec.Finalized())
	et.eng.AssertExpectations(t)
}

func TestTryUpdateEngine(t *testing.T) {
	et := newEngineTest(t)
	require.ErrorIs(t, et.ec.TryUpdateEngine(context.Background()), ErrNoFCUNeeded)

	unsafe := testutils.NextRandomL2Ref(et.rng, et.cfg.BlockTime, et.safe, et.safe.L1Origin)
	et.ec.SetUnsafeHead(unsafe)
	et.eng.ExpectForkchoiceUpdate(&eth.ForkchoiceState{
		HeadBlockHash:      unsafe.Hash,
		SafeBlockHash:      et.safe.Hash,
		FinalizedBlockHash: et.finalized.Hash,
	}, nil, nil, eth.InputError{Inner: errors.New("unknown head"), Code: eth.InvalidForkchoiceState})
	require.ErrorIs(t, et.ec.TryUpdateEngine(context.Background()), derive.ErrReset)

	et.expectFCU(unsafe, et.safe)
	require.NoError(t, et.ec.TryUpdateEngine(context.Background()))
	require.ErrorIs(t, et.ec.TryUpdateEngine(context.Background()), ErrNoFCUNeeded)
	et.eng.AssertExpectations(t)
}

func TestAttributesMatchBlock(t *testing.T) {
	et := newEngineTest(t)
	attrs, envelope := et.nextBlock(t, et.safe)
	require.NoError(t, AttributesMatchBlock(et.cfg, attrs, et.safe.Hash, envelope))

	require.ErrorContains(t, AttributesMatchBlock(et.cfg, attrs, testutils.RandomHash(et.rng), envelope), "parent hash")

	other := *attrs
	other.Timestamp++
	require.ErrorContains(t, AttributesMatchBlock(et.cfg, &other, et.safe.Hash, envelope), "timestamp")

	other = *attrs
	other.Transactions = append([]eth.Data{}, attrs.Transactions...)
	other.Transactions = append(other.Transactions, eth.Data{0x02, 0x01})
	require.ErrorContains(t, AttributesMatchBlock(et.cfg, &other, et.safe.Hash, envelope), "transaction count")

	other = *attrs
	other.GasLimit = nil
	require.ErrorContains(t, AttributesMatchBlock(et.cfg, &other, et.safe.Hash, envelope), "gaslimit")
}

func TestSanityCheckPayload(t *testing.T) {
	deposit := eth.Data{0x7e, 0x01}
	user := eth.Data{0x02, 0x01}
	require.NoError(t, sanityCheckPayload(&eth.ExecutionPayload{Transactions: []eth.Data{deposit, deposit, user}}))
	require.ErrorContains(t, sanityCheckPayload(&eth.ExecutionPayload{}), "no transactions")
	require.ErrorContains(t, sanityCheckPayload(&eth.ExecutionPayload{Transactions: []eth.Data{user}}), "first transaction")
	require.ErrorContains(t, sanityCheckPayload(&eth.ExecutionPayload{Transactions: []eth.Data{deposit, user, deposit}}), "after other tx")
}
