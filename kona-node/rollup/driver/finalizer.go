package driver

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-service/eth"
)

// defaultFinalityLookback defines the amount of L1<>L2 relations to track for finalization purposes, one per L1 block.
//
// When L1 finalizes blocks, it finalizes finalityLookback blocks behind the L1 head.
// Non-finality may take longer, but when it does finalize again, it is within this range of the L1 head.
// Thus we only need to retain the L1<>L2 derivation relation data of this many L1 blocks.
//
// In the event of older finalization signals, misconfiguration, or insufficient L1<>L2 derivation relation data,
// then we may miss the opportunity to finalize more L2 blocks.
// This does not cause any divergence, it just causes lagging finalization status.
//
// The beacon chain on mainnet has 32 slots per epoch,
// and new finalization events happen at most 4 epochs behind the head.
// And then we add 1 to make pruning easier by leaving room for a new item without pruning the 32*4.
const defaultFinalityLookback = 4*32 + 1

type FinalityData struct {
	// The last L2 block that was fully derived and inserted into the L2 engine while processing this L1 block.
	L2Block eth.L2BlockRef
	// The L1 block this stage was at when inserting the L2 block.
	// When this L1 block is finalized, the L2 chain up to this block can be fully reproduced from finalized L1 data.
	L1Block eth.BlockID
}

type FinalizerEngine interface {
	Finalized() eth.L2BlockRef
	SetFinalizedHead(eth.L2BlockRef)
}

// finalizer promotes safe L2 blocks to finalized once the L1 block they were derived from is finalized.
type finalizer struct {
	log log.Logger

	finalizedL1 eth.L1BlockRef

	// Tracking of each L2 block that was inserted during derivation, to finalize when L1 finalizes.
	finalityData []FinalityData

	finalityLookback uint64
}

func newFinalizer(log log.Logger) *finalizer {
	return &finalizer{
		log:              log,
		finalityData:     make([]FinalityData, 0, defaultFinalityLookback),
		finalityLookback: defaultFinalityLookback,
	}
}

func (fi *finalizer) onL1Finalized(l1Finalized eth.L1BlockRef) {
	prevFinalizedL1 := fi.finalizedL1
	if l1Finalized.Number < prevFinalizedL1.Number {
		fi.log.Error("Ignoring L1 finalized signal of older block", "prev", prevFinalizedL1, "new", l1Finalized)
		return
	}
	fi.finalizedL1 = l1Finalized
}

// onDerivedSafeBlock records the L1 block that a new safe L2 block was derived from.
func (fi *finalizer) onDerivedSafeBlock(l2Safe eth.L2BlockRef, derivedFrom eth.L1BlockRef) {
	// remember the last L2 block that we fully derived from the given finality data
	if len(fi.finalityData) == 0 || fi.finalityData[len(fi.finalityData)-1].L1Block.Number < derivedFrom.Number {
		// prune finality data if necessary, before appending any data.
		if uint64(len(fi.finalityData)) >= fi.finalityLookback {
			fi.finalityData = append(fi.finalityData[:0], fi.finalityData[1:fi.finalityLookback]...)
		}
		// append entry for new L1 block
		fi.finalityData = append(fi.finalityData, FinalityData{
			L2Block: l2Safe,
			L1Block: derivedFrom.ID(),
		})
		last := &fi.finalityData[len(fi.finalityData)-1]
		fi.log.Debug("extended finality-data", "last_l1", last.L1Block, "last_l2", last.L2Block)
	} else {
		// if it's a new L2 block that was derived from the same latest L1 block, then just update the entry
		last := &fi.finalityData[len(fi.finalityData)-1]
		if last.L2Block != l2Safe { // avoid logging if there are no changes
			last.L2Block = l2Safe
			fi.log.Debug("updated finality-data", "last_l1", last.L1Block, "last_l2", last.L2Block)
		}
	}
}

// tryFinalize moves the finalized head of the engine to the highest L2 block derived from
// finalized L1 data.
func (fi *finalizer) tryFinalize(engine FinalizerEngine) {
	if fi.finalizedL1 == (eth.L1BlockRef{}) {
		return
	}
	finalizedL2 := engine.Finalized()
	for _, fd := range fi.finalityData {
		if fd.L2Block.Number > finalizedL2.Number && fd.L1Block.Number <= fi.finalizedL1.Number {
			finalizedL2 = fd.L2Block
		}
	}
	if finalizedL2 != engine.Finalized() {
		fi.log.Info("Promoting finalized L2 block", "l2_finalized", finalizedL2, "l1_finalized", fi.finalizedL1)
		engine.SetFinalizedHead(finalizedL2)
	}
}

// onReset drops the derivation relations, the finalized L1 block is kept.
func (fi *finalizer) onReset() {
	fi.finalityData = fi.finalityData[:0]
}
