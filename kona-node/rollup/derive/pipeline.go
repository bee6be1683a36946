package derive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
)

// ErrNonCanonicalSafeHead is returned when the L1 origin of the safe head is no longer canonical.
// The host has to rewind the safe head and call ResetTo.
var ErrNonCanonicalSafeHead = errors.New("L1 origin of the safe head is not canonical")

type Metrics interface {
	RecordL1Ref(name string, ref eth.L1BlockRef)
	RecordL2Ref(name string, ref eth.L2BlockRef)
	RecordChannelInputBytes(inputCompressedBytes int)
	RecordHeadChannelOpened()
	RecordChannelTimedOut()
	RecordFrame()
	RecordDerivedBatches(batchType string)
	SetDerivationIdle(idle bool)
	RecordPipelineReset()
}

type L1BlockRefByHashFetcher interface {
	L1BlockRefByHash(context.Context, common.Hash) (eth.L1BlockRef, error)
}

type L1Fetcher interface {
	L1BlockRefByNumberFetcher
	L1BlockRefByHashFetcher
	L1ReceiptsFetcher
	L1TransactionFetcher
}

type ResettableStage interface {
	// Reset resets a pull stage. `base` refers to the L1 Block Reference to reset to, with corresponding configuration.
	Reset(ctx context.Context, base eth.L1BlockRef, baseCfg eth.SystemConfig) error
}

type L2Source interface {
	PayloadByNumber(context.Context, uint64) (*eth.ExecutionPayloadEnvelope, error)
	L2BlockRefByHash(ctx context.Context, l2Hash common.Hash) (eth.L2BlockRef, error)
	L2BlockRefByNumber(ctx context.Context, num uint64) (eth.L2BlockRef, error)
	SystemConfigL2Fetcher
}

// DerivationPipeline is updated with new L1 data, and the Step() function can be iterated on to generate attributes
type DerivationPipeline struct {
	log       log.Logger
	rollupCfg *rollup.Config
	spec      *rollup.ChainSpec
	l1Fetcher L1Fetcher
	l2        L2Source

	// Index of the stage that is currently being reset.
	// >= len(stages) if no additional resetting is required
	resetting int
	stages    []ResettableStage

	traversal  *L1Traversal
	retrieval  *L1Retrieval
	frameQueue *FrameQueue
	assembler  *ChannelAssembler
	channelIn  *ChannelInReader
	batchQueue *BatchQueue
	attrib     *AttributesQueue

	// L1 block that the next returned attributes are derived from, i.e. at the L2-end of the pipeline.
	origin         eth.L1BlockRef
	resetPrepared  bool
	resetL2Safe    eth.L2BlockRef
	resetSysConfig eth.SystemConfig

	metrics Metrics
}

// NewDerivationPipeline creates a DerivationPipeline, to turn L1 data into L2 block-inputs.
// The pipeline starts in the reset state: the first Step calls rewind it relative to the safe head.
func NewDerivationPipeline(log log.Logger, rollupCfg *rollup.Config, l1Fetcher L1Fetcher, l1Blobs L1BlobsFetcher,
	l2Source L2Source, metrics Metrics) *DerivationPipeline {
	spec := rollup.NewChainSpec(rollupCfg)

	// Pull stages
	l1Traversal := NewL1Traversal(log, rollupCfg, l1Fetcher)
	dataSrc := NewDataSourceFactory(log, rollupCfg, l1Fetcher, l1Blobs) // auxiliary stage for L1Retrieval
	l1Src := NewL1Retrieval(log, dataSrc, l1Traversal)
	frameQueue := NewFrameQueue(log, metrics, l1Src)
	assembler := NewChannelAssembler(log, spec, frameQueue, metrics)
	chInReader := NewChannelInReader(rollupCfg, log, assembler, metrics)
	batchQueue := NewBatchQueue(log, rollupCfg, chInReader, l2Source)
	attrBuilder := NewFetchingAttributesBuilder(rollupCfg, l1Fetcher, l2Source)
	attributesQueue := NewAttributesQueue(log, rollupCfg, attrBuilder, batchQueue)

	// Reset from the L2 end down to the L1 traversal. The stages do not talk to each other
	// while resetting, every one of them is reset to the same base.
	stages := []ResettableStage{attributesQueue, batchQueue, chInReader, assembler, frameQueue, l1Src, l1Traversal}

	return &DerivationPipeline{
		log:        log,
		rollupCfg:  rollupCfg,
		spec:       spec,
		l1Fetcher:  l1Fetcher,
		l2:         l2Source,
		resetting:  0,
		stages:     stages,
		traversal:  l1Traversal,
		retrieval:  l1Src,
		frameQueue: frameQueue,
		assembler:  assembler,
		channelIn:  chInReader,
		batchQueue: batchQueue,
		attrib:     attributesQueue,
		metrics:    metrics,
	}
}

// DerivationReady returns true if the derivation pipeline is ready to be used.
// When it's being reset its state is inconsistent, and should not be used externally.
func (dp *DerivationPipeline) DerivationReady() bool {
	return dp.resetting >= len(dp.stages)
}

// Reset schedules a reset of every stage. The next Step rewinds the pipeline relative to the
// safe head it is called with.
func (dp *DerivationPipeline) Reset() {
	dp.resetting = 0
	dp.resetPrepared = false
	dp.resetSysConfig = eth.SystemConfig{}
	dp.resetL2Safe = eth.L2BlockRef{}
}

// ResetTo resets the pipeline and rewinds the L1 traversal relative to the given safe head.
func (dp *DerivationPipeline) ResetTo(ctx context.Context, safeHead eth.L2BlockRef) error {
	dp.Reset()
	return dp.initialReset(ctx, safeHead)
}

// Origin is the L1 block of the inner-most stage of the derivation pipeline,
// i.e. the L1 chain up to and including this point included and/or produced all the safe L2 blocks.
func (dp *DerivationPipeline) Origin() eth.L1BlockRef {
	return dp.origin
}

// SystemConfig is the system config as of the current origin.
func (dp *DerivationPipeline) SystemConfig() eth.SystemConfig {
	return dp.traversal.SystemConfig()
}

// Step tries to progress the buffer.
// It returns the next attributes when they are ready. NotEnoughData means progress was made and
// Step should be called again right away. io.EOF means the pipeline waits for new L1 data.
// Any other error is temporary or critical, see the error level.
func (dp *DerivationPipeline) Step(ctx context.Context, pendingSafeHead eth.L2BlockRef) (outAttrib *AttributesWithParent, outErr error) {
	defer dp.metrics.RecordL1Ref("l1_derived", dp.Origin())

	dp.metrics.SetDerivationIdle(false)
	defer func() {
		if outErr == io.EOF {
			dp.metrics.SetDerivationIdle(true)
		}
	}()

	// if any stages need to be reset, do that first.
	if dp.resetting < len(dp.stages) {
		// Rewind the L1 traversal far enough back to read all the L1 data necessary for
		// constructing the next batches that come after the safe head.
		if !dp.resetPrepared || pendingSafeHead != dp.resetL2Safe {
			if err := dp.initialReset(ctx, pendingSafeHead); err != nil {
				return nil, fmt.Errorf("failed initial reset work: %w", err)
			}
		}

		if err := dp.stages[dp.resetting].Reset(ctx, dp.origin, dp.resetSysConfig); err == io.EOF {
			dp.log.Debug("reset of stage completed", "stage", dp.resetting, "origin", dp.origin)
			dp.resetting += 1
			return nil, NotEnoughData
		} else if err != nil {
			return nil, fmt.Errorf("stage %d failed resetting: %w", dp.resetting, err)
		} else {
			return nil, NotEnoughData
		}
	}

	prevOrigin := dp.origin
	newOrigin := dp.attrib.Origin()
	if prevOrigin != newOrigin {
		dp.origin = newOrigin
		dp.log.Debug("derivation origin changed", "prev", prevOrigin, "origin", newOrigin)
	}

	attrib, err := dp.attrib.NextAttributes(ctx, pendingSafeHead)
	switch {
	case err == nil:
		dp.metrics.RecordL2Ref("l2_derived", pendingSafeHead)
		return attrib, nil
	case err == io.EOF:
		// If every stage has returned io.EOF, try to advance the L1 Origin
		if err := dp.traversal.AdvanceL1Block(ctx); err == io.EOF {
			return nil, io.EOF
		} else if errors.Is(err, ErrReset) {
			return nil, dp.reorg(err)
		} else if err != nil {
			return nil, fmt.Errorf("failed to advance L1 origin: %w", err)
		}
		return nil, NotEnoughData
	case errors.Is(err, NotEnoughData):
		return nil, NotEnoughData
	case errors.Is(err, ErrReset):
		return nil, dp.reorg(err)
	default:
		return nil, fmt.Errorf("derivation failed: %w", err)
	}
}

// reorg moves the pipeline into the reset state. The stages are reset on the following steps.
func (dp *DerivationPipeline) reorg(cause error) error {
	dp.log.Warn("resetting derivation pipeline", "origin", dp.origin, "err", cause)
	dp.metrics.RecordPipelineReset()
	dp.Reset()
	return NotEnoughData
}

// initialReset does the initial reset work of finding the L1 point to rewind back to
func (dp *DerivationPipeline) initialReset(ctx context.Context, resetL2Safe eth.L2BlockRef) error {
	dp.log.Info("rewinding derivation-pipeline L1 traversal to handle reset", "safe_head", resetL2Safe)

	// Walk back L2 chain to find the L1 origin that is old enough to start buffering channel data from.
	pipelineL2 := resetL2Safe
	l1Origin := resetL2Safe.L1Origin

	canonical, err := dp.l1Fetcher.L1BlockRefByNumber(ctx, l1Origin.Number)
	if err != nil {
		return NewTemporaryError(fmt.Errorf("failed to fetch canonical L1 block %d: %w", l1Origin.Number, err))
	}
	if canonical.Hash != l1Origin.Hash {
		return NewResetError(fmt.Errorf("%w: safe head %s has origin %s, canonical is %s", ErrNonCanonicalSafeHead, resetL2Safe, l1Origin, canonical))
	}
	pipelineOrigin := canonical

	for {
		afterL2Genesis := pipelineL2.Number > dp.rollupCfg.Genesis.L2.Number
		afterL1Genesis := pipelineL2.L1Origin.Number > dp.rollupCfg.Genesis.L1.Number
		afterChannelTimeout := pipelineL2.L1Origin.Number+dp.spec.ChannelTimeout(pipelineOrigin.Time) > l1Origin.Number
		if !(afterL2Genesis && afterL1Genesis && afterChannelTimeout) {
			break
		}
		parent, err := dp.l2.L2BlockRefByHash(ctx, pipelineL2.ParentHash)
		if err != nil {
			return NewResetError(fmt.Errorf("failed to fetch L2 parent block %s: %w", pipelineL2.ParentID(), err))
		}
		pipelineL2 = parent
		if pipelineL2.L1Origin.Hash != pipelineOrigin.Hash {
			pipelineOrigin, err = dp.l1Fetcher.L1BlockRefByHash(ctx, pipelineL2.L1Origin.Hash)
			if err != nil {
				return NewTemporaryError(fmt.Errorf("failed to fetch the new L1 progress: origin: %s; err: %w", pipelineL2.L1Origin, err))
			}
		}
	}

	sysCfg, err := dp.l2.SystemConfigByL2Hash(ctx, pipelineL2.Hash)
	if err != nil {
		return NewTemporaryError(fmt.Errorf("failed to fetch L1 config of L2 block %s: %w", pipelineL2.ID(), err))
	}

	dp.log.Info("rewound derivation origin", "origin", pipelineOrigin, "l2_block", pipelineL2.ID())
	dp.origin = pipelineOrigin
	dp.resetSysConfig = sysCfg
	dp.resetL2Safe = resetL2Safe
	dp.resetPrepared = true
	return nil
}
