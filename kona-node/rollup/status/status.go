package status

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-service/eth"
)

type Metrics interface {
	RecordL1ReorgDepth(d uint64)
	RecordL1Ref(name string, ref eth.L1BlockRef)
}

// L2Heads is the view of the engine controller on the L2 chain.
type L2Heads interface {
	UnsafeL2Head() eth.L2BlockRef
	PendingSafeL2Head() eth.L2BlockRef
	SafeL2Head() eth.L2BlockRef
	Finalized() eth.L2BlockRef
}

// StatusTracker collects the L1 and L2 labels of the node. Updates come from the driver loop,
// reads of SyncStatus are safe from any goroutine.
type StatusTracker struct {
	data eth.SyncStatus

	published atomic.Pointer[eth.SyncStatus]

	log log.Logger

	metrics Metrics

	mu sync.RWMutex
}

func NewStatusTracker(log log.Logger, metrics Metrics) *StatusTracker {
	st := &StatusTracker{
		log:     log,
		metrics: metrics,
	}
	st.data = eth.SyncStatus{}
	st.published.Store(&eth.SyncStatus{})
	return st
}

// OnL1Unsafe records a new L1 head and reports reorgs of the L1 chain.
func (st *StatusTracker) OnL1Unsafe(l1Unsafe eth.L1BlockRef) {
	st.update(func() {
		st.metrics.RecordL1Ref("l1_head", l1Unsafe)
		// We don't need to do anything if the head hasn't changed.
		if st.data.HeadL1 == (eth.L1BlockRef{}) {
			st.log.Info("Received first L1 head signal", "l1_head", l1Unsafe)
		} else if st.data.HeadL1.Hash == l1Unsafe.Hash {
			st.log.Trace("Received L1 head signal that is the same as the current head", "l1_head", l1Unsafe)
		} else if st.data.HeadL1.Hash == l1Unsafe.ParentHash {
			// 新区块是当前头部的直接子块，线性扩展
			st.log.Debug("L1 head moved forward", "l1_head", l1Unsafe)
		} else {
			if st.data.HeadL1.Number >= l1Unsafe.Number {
				st.metrics.RecordL1ReorgDepth(st.data.HeadL1.Number - l1Unsafe.Number)
			}
			// New L1 block is not the same as the current head or a single step linear extension.
			// This could either be a long L1 extension, or a reorg, or we simply missed a head update.
			st.log.Warn("L1 head signal indicates a possible L1 re-org",
				"old_l1_head", st.data.HeadL1, "new_l1_head_parent", l1Unsafe.ParentHash, "new_l1_head", l1Unsafe)
		}
		st.data.HeadL1 = l1Unsafe
	})
}

func (st *StatusTracker) OnL1Safe(l1Safe eth.L1BlockRef) {
	st.update(func() {
		st.log.Info("New L1 safe block", "l1_safe", l1Safe)
		st.metrics.RecordL1Ref("l1_safe", l1Safe)
		st.data.SafeL1 = l1Safe
	})
}

func (st *StatusTracker) OnL1Finalized(l1Finalized eth.L1BlockRef) {
	st.update(func() {
		st.log.Info("New L1 finalized block", "l1_finalized", l1Finalized)
		st.metrics.RecordL1Ref("l1_finalized", l1Finalized)
		st.data.FinalizedL1 = l1Finalized
	})
}

// OnDerivationOrigin records the L1 block the derivation pipeline currently reads from.
func (st *StatusTracker) OnDerivationOrigin(origin eth.L1BlockRef) {
	st.update(func() {
		st.data.CurrentL1 = origin
	})
}

// OnL2Heads copies the heads of the engine.
func (st *StatusTracker) OnL2Heads(heads L2Heads) {
	st.update(func() {
		st.data.UnsafeL2 = heads.UnsafeL2Head()
		st.data.PendingSafeL2 = heads.PendingSafeL2Head()
		st.data.SafeL2 = heads.SafeL2Head()
		st.data.FinalizedL2 = heads.Finalized()
	})
}

// OnReset clears the derivation progress, the L1 labels are kept.
func (st *StatusTracker) OnReset() {
	st.update(func() {
		st.data.UnsafeL2 = eth.L2BlockRef{}
		st.data.SafeL2 = eth.L2BlockRef{}
		st.data.PendingSafeL2 = eth.L2BlockRef{}
		st.data.CurrentL1 = eth.L1BlockRef{}
	})
}

func (st *StatusTracker) update(fn func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn()
	// If anything changes, then copy the state to the published SyncStatus
	published := *st.published.Load()
	if st.data != published {
		published = st.data
		st.published.Store(&published)
	}
}

// SyncStatus is thread safe, and reads the latest view of L1 and L2 block labels
func (st *StatusTracker) SyncStatus() *eth.SyncStatus {
	return st.published.Load()
}

// L1Head is a helper function; the L1 head is closely monitored for confirmation-distance logic.
func (st *StatusTracker) L1Head() eth.L1BlockRef {
	return st.SyncStatus().HeadL1
}
