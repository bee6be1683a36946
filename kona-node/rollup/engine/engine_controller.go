package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-service/eth"
)

var ErrNoFCUNeeded = errors.New("no FCU call was needed")

const (
	buildStartTimeout     = 10 * time.Second
	buildSealTimeout      = 10 * time.Second
	payloadProcessTimeout = 10 * time.Second
)

type Metrics interface {
	RecordL2Ref(name string, ref eth.L2BlockRef)
	RecordSafeHeadUpdate()
}

// ExecEngine is the subset of the engine API and the L2 RPC the controller drives.
type ExecEngine interface {
	GetPayload(ctx context.Context, payloadInfo eth.PayloadInfo) (*eth.ExecutionPayloadEnvelope, error)
	ForkchoiceUpdate(ctx context.Context, state *eth.ForkchoiceState, attr *eth.PayloadAttributes) (*eth.ForkchoiceUpdatedResult, error)
	NewPayload(ctx context.Context, payload *eth.ExecutionPayload, parentBeaconBlockRoot *common.Hash) (*eth.PayloadStatusV1, error)
	L2BlockRefByLabel(ctx context.Context, label eth.BlockLabel) (eth.L2BlockRef, error)
	PayloadByNumber(ctx context.Context, number uint64) (*eth.ExecutionPayloadEnvelope, error)
}

// EngineController tracks the L2 heads of the execution engine and applies derived attributes
// on top of the pending safe head. It is not safe for concurrent use.
type EngineController struct {
	engine    ExecEngine
	log       log.Logger
	metrics   Metrics
	rollupCfg *rollup.Config

	// Block Head State
	unsafeHead eth.L2BlockRef
	// pendingSafeHead 是最后一个已应用的派生区块，span batch 未结束时可能领先于 safeHead
	pendingSafeHead eth.L2BlockRef
	safeHead        eth.L2BlockRef
	finalizedHead   eth.L2BlockRef

	needFCUCall bool
}

func NewEngineController(engine ExecEngine, log log.Logger, metrics Metrics, rollupCfg *rollup.Config) *EngineController {
	return &EngineController{
		engine:    engine,
		log:       log,
		metrics:   metrics,
		rollupCfg: rollupCfg,
	}
}

// State Getters

func (e *EngineController) UnsafeL2Head() eth.L2BlockRef {
	return e.unsafeHead
}

func (e *EngineController) PendingSafeL2Head() eth.L2BlockRef {
	return e.pendingSafeHead
}

func (e *EngineController) SafeL2Head() eth.L2BlockRef {
	return e.safeHead
}

func (e *EngineController) Finalized() eth.L2BlockRef {
	return e.finalizedHead
}

// Setters

// SetFinalizedHead implements LocalEngineControl.
func (e *EngineController) SetFinalizedHead(r eth.L2BlockRef) {
	e.metrics.RecordL2Ref("l2_finalized", r)
	e.finalizedHead = r
	e.needFCUCall = true
}

func (e *EngineController) SetPendingSafeL2Head(r eth.L2BlockRef) {
	e.metrics.RecordL2Ref("l2_pending_safe", r)
	e.pendingSafeHead = r
}

func (e *EngineController) SetSafeHead(r eth.L2BlockRef) {
	e.metrics.RecordL2Ref("l2_safe", r)
	e.metrics.RecordSafeHeadUpdate()
	e.safeHead = r
	e.needFCUCall = true
}

func (e *EngineController) SetUnsafeHead(r eth.L2BlockRef) {
	e.metrics.RecordL2Ref("l2_unsafe", r)
	e.unsafeHead = r
	e.needFCUCall = true
}

// logSyncProgressMaybe registers the pre-state and returns a callback that logs the change, if any.
func (e *EngineController) logSyncProgressMaybe() func() {
	prevFinalized := e.finalizedHead
	prevSafe := e.safeHead
	prevPendingSafe := e.pendingSafeHead
	prevUnsafe := e.unsafeHead
	return func() {
		// if forkchoice still needs to be updated, then the last change was unverified, and thus not useful to log.
		if e.needFCUCall {
			return
		}
		var reason string
		if prevFinalized != e.finalizedHead {
			reason = "finalized block"
		} else if prevSafe != e.safeHead {
			if prevSafe == prevUnsafe {
				reason = "derived safe block from L1"
			} else {
				reason = "consolidated block with L1"
			}
		} else if prevUnsafe != e.unsafeHead {
			reason = "new chain head block"
		} else if prevPendingSafe != e.pendingSafeHead {
			reason = "pending new safe block"
		}
		if reason != "" {
			e.log.Info("Sync progress",
				"reason", reason,
				"l2_finalized", e.finalizedHead,
				"l2_safe", e.safeHead,
				"l2_pending_safe", e.pendingSafeHead,
				"l2_unsafe", e.unsafeHead,
				"l2_time", e.unsafeHead.Time,
			)
		}
	}
}

// Reset loads the heads from the engine. The pending safe head restarts at the safe head.
func (e *EngineController) Reset(ctx context.Context) error {
	finalized, err := e.engine.L2BlockRefByLabel(ctx, eth.Finalized)
	if errors.Is(err, ethereum.NotFound) {
		finalized, err = e.engine.L2BlockRefByLabel(ctx, eth.Safe)
	}
	if err != nil {
		return derive.NewTemporaryError(fmt.Errorf("failed to find the finalized L2 block: %w", err))
	}
	safe, err := e.engine.L2BlockRefByLabel(ctx, eth.Safe)
	if errors.Is(err, ethereum.NotFound) {
		safe = finalized
	} else if err != nil {
		return derive.NewTemporaryError(fmt.Errorf("failed to find the safe L2 block: %w", err))
	}
	unsafe, err := e.engine.L2BlockRefByLabel(ctx, eth.Unsafe)
	if err != nil {
		return derive.NewTemporaryError(fmt.Errorf("failed to find the L2 head block: %w", err))
	}
	if unsafe.Number < safe.Number || safe.Number < finalized.Number {
		return derive.NewCriticalError(fmt.Errorf("inconsistent engine heads: unsafe %s, safe %s, finalized %s", unsafe, safe, finalized))
	}
	e.SetUnsafeHead(unsafe)
	e.SetPendingSafeL2Head(safe)
	e.SetSafeHead(safe)
	e.SetFinalizedHead(finalized)
	e.log.Info("Loaded engine heads", "unsafe", unsafe, "safe", safe, "finalized", finalized)
	return nil
}

// ResetToSafe rewinds the pending safe head to the safe head, e.g. after the derivation pipeline
// dropped a partially applied span batch.
func (e *EngineController) ResetToSafe() {
	e.SetPendingSafeL2Head(e.safeHead)
}

// TryUpdateEngine syncs the forkchoice state of the engine with the tracked heads.
// It is a no-op if the engine already agrees.
func (e *EngineController) TryUpdateEngine(ctx context.Context) error {
	if !e.needFCUCall {
		return ErrNoFCUNeeded
	}
	if e.unsafeHead.Number < e.finalizedHead.Number {
		return derive.NewCriticalError(fmt.Errorf("invalid forkchoice state, unsafe head %s is behind finalized head %s", e.unsafeHead, e.finalizedHead))
	}
	fc := eth.ForkchoiceState{
		HeadBlockHash:      e.unsafeHead.Hash,
		SafeBlockHash:      e.safeHead.Hash,
		FinalizedBlockHash: e.finalizedHead.Hash,
	}
	logFn := e.logSyncProgressMaybe()
	defer logFn()
	fcRes, err := e.engine.ForkchoiceUpdate(ctx, &fc, nil)
	if err != nil {
		var inputErr eth.InputError
		if errors.As(err, &inputErr) {
			switch inputErr.Code {
			case eth.InvalidForkchoiceState:
				return derive.NewResetError(fmt.Errorf("forkchoice update was inconsistent with engine, need reset to resolve: %w", inputErr.Unwrap()))
			default:
				return derive.NewTemporaryError(fmt.Errorf("unexpected error code in forkchoice-updated response: %w", err))
			}
		}
		return derive.NewTemporaryError(fmt.Errorf("failed to sync forkchoice with engine: %w", err))
	}
	if fcRes.PayloadStatus.Status != eth.ExecutionValid {
		return derive.NewTemporaryError(eth.ForkchoiceUpdateErr(fcRes.PayloadStatus))
	}
	e.needFCUCall = false
	return nil
}
