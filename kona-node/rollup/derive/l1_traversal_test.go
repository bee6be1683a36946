package derive

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

var _ L1Fetcher = (*testutils.MockL1Source)(nil)

// batcherUpdateReceipt is a receipt with one SystemConfig log that changes the batcher address.
func batcherUpdateReceipt(sysCfgAddr common.Address, batcher common.Address, status uint64) *types.Receipt {
	data := make([]byte, 0, 96)
	data = append(data, common.BigToHash(common.Big32).Bytes()...) // pointer
	data = append(data, common.BigToHash(common.Big32).Bytes()...) // length
	data = append(data, common.BytesToHash(batcher.Bytes()).Bytes()...)
	return &types.Receipt{
		Status: status,
		Logs: []*types.Log{{
			Address: sysCfgAddr,
			Topics:  []common.Hash{ConfigUpdateEventABIHash, ConfigUpdateEventVersion0, SystemConfigUpdateBatcher},
			Data:    data,
		}},
	}
}

func TestL1TraversalNext(t *testing.T) {
	rng := rand.New(rand.NewSource(0xc00))
	cfg := testConfig()
	a := testutils.RandomBlockRef(rng)

	tr := NewL1Traversal(testLogger(t), cfg, &testutils.MockL1Source{})
	require.Equal(t, io.EOF, tr.Reset(context.Background(), a, cfg.Genesis.SystemConfig))
	require.Equal(t, a, tr.Origin())

	ref, err := tr.NextL1Block(context.Background())
	require.NoError(t, err)
	require.Equal(t, a, ref)
	_, err = tr.NextL1Block(context.Background())
	require.Equal(t, io.EOF, err, "the origin is handed out once")
}

func TestL1TraversalAdvance(t *testing.T) {
	rng := rand.New(rand.NewSource(0xc01))
	cfg := testConfig()
	a := testutils.RandomBlockRef(rng)
	b := testutils.NextRandomRef(rng, a)
	newBatcher := testutils.RandomAddress(rng)

	l1 := &testutils.MockL1Source{}
	l1.ExpectL1BlockRefByNumber(b.Number, b, nil)
	l1.ExpectFetchReceipts(b.Hash, nil, types.Receipts{
		batcherUpdateReceipt(cfg.L1SystemConfigAddress, testutils.RandomAddress(rng), types.ReceiptStatusFailed),
		batcherUpdateReceipt(testutils.RandomAddress(rng), testutils.RandomAddress(rng), types.ReceiptStatusSuccessful),
		batcherUpdateReceipt(cfg.L1SystemConfigAddress, newBatcher, types.ReceiptStatusSuccessful),
	}, nil)

	tr := NewL1Traversal(testLogger(t), cfg, l1)
	require.Equal(t, io.EOF, tr.Reset(context.Background(), a, cfg.Genesis.SystemConfig))
	_, err := tr.NextL1Block(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.AdvanceL1Block(context.Background()))
	require.Equal(t, b, tr.Origin())
	require.Equal(t, newBatcher, tr.SystemConfig().BatcherAddr, "only the successful log of the system config contract applies")
	require.Equal(t, cfg.Genesis.SystemConfig.GasLimit, tr.SystemConfig().GasLimit)

	ref, err := tr.NextL1Block(context.Background())
	require.NoError(t, err)
	require.Equal(t, b, ref)
	l1.AssertExpectations(t)
}

func TestL1TraversalAdvanceErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(0xc02))
	cfg := testConfig()
	a := testutils.RandomBlockRef(rng)
	b := testutils.NextRandomRef(rng, a)

	t.Run("not found yet", func(t *testing.T) {
		l1 := &testutils.MockL1Source{}
		l1.ExpectL1BlockRefByNumber(b.Number, eth.L1BlockRef{}, ethereum.NotFound)
		tr := NewL1Traversal(testLogger(t), cfg, l1)
		_ = tr.Reset(context.Background(), a, eth.SystemConfig{})
		require.Equal(t, io.EOF, tr.AdvanceL1Block(context.Background()))
		require.Equal(t, a, tr.Origin())
	})

	t.Run("reorg", func(t *testing.T) {
		forked := b
		forked.ParentHash = testutils.RandomHash(rng)
		l1 := &testutils.MockL1Source{}
		l1.ExpectL1BlockRefByNumber(b.Number, forked, nil)
		tr := NewL1Traversal(testLogger(t), cfg, l1)
		_ = tr.Reset(context.Background(), a, eth.SystemConfig{})
		require.ErrorIs(t, tr.AdvanceL1Block(context.Background()), ErrReset)
		require.Equal(t, a, tr.Origin())
	})

	t.Run("rpc failure", func(t *testing.T) {
		l1 := &testutils.MockL1Source{}
		l1.ExpectL1BlockRefByNumber(b.Number, eth.L1BlockRef{}, errors.New("connection refused"))
		tr := NewL1Traversal(testLogger(t), cfg, l1)
		_ = tr.Reset(context.Background(), a, eth.SystemConfig{})
		require.ErrorIs(t, tr.AdvanceL1Block(context.Background()), ErrTemporary)
	})

	t.Run("malformed system config log", func(t *testing.T) {
		bad := batcherUpdateReceipt(cfg.L1SystemConfigAddress, testutils.RandomAddress(rng), types.ReceiptStatusSuccessful)
		bad.Logs[0].Data = bad.Logs[0].Data[:64]
		l1 := &testutils.MockL1Source{}
		l1.ExpectL1BlockRefByNumber(b.Number, b, nil)
		l1.ExpectFetchReceipts(b.Hash, nil, types.Receipts{bad}, nil)
		tr := NewL1Traversal(testLogger(t), cfg, l1)
		_ = tr.Reset(context.Background(), a, eth.SystemConfig{})
		require.ErrorIs(t, tr.AdvanceL1Block(context.Background()), ErrCritical)
		require.Equal(t, a, tr.Origin(), "the origin does not move past a block that cannot be applied")
	})
}
