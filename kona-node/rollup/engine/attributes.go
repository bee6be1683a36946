package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-service/eth"
)

var errInvalidAttributes = errors.New("invalid payload attributes")

// InsertAttributes applies the next derived attributes on top of the pending safe head.
//
// If the engine already has an unsafe block at that height, the block is consolidated when it
// matches the attributes, otherwise it is replaced. The safe head only moves on attributes that
// conclude their batch.
func (e *EngineController) InsertAttributes(ctx context.Context, attrs *derive.AttributesWithParent) error {
	if attrs.Parent != e.pendingSafeHead {
		return derive.NewResetError(fmt.Errorf("pending safe head changed to %s with parent %s, conflicting with queued safe attributes on top of %s",
			e.pendingSafeHead, e.pendingSafeHead.ParentID(), attrs.Parent))
	}
	if e.unsafeHead.Number < e.pendingSafeHead.Number {
		return derive.NewResetError(fmt.Errorf("pending-safe label (%d) may not be ahead of unsafe head label (%d)", e.pendingSafeHead.Number, e.unsafeHead.Number))
	}
	logFn := e.logSyncProgressMaybe()
	defer logFn()

	if e.pendingSafeHead.Number < e.unsafeHead.Number {
		ref, ok, err := e.consolidate(ctx, attrs)
		if err != nil {
			return err
		}
		if ok {
			e.promotePendingSafe(ref, attrs.Concluding)
			return e.updateForkchoice(ctx)
		}
	}

	ref, err := e.buildAndInsert(ctx, attrs.Parent, attrs.Attributes)
	if errors.Is(err, errInvalidAttributes) {
		if attrs.Attributes.IsDepositsOnly() {
			return derive.NewCriticalError(fmt.Errorf("failed to process block with only deposit transactions: %w", err))
		}
		e.log.Warn("Deriving block with only deposit transactions, the batch was invalid in the engine",
			"parent", attrs.Parent, "timestamp", uint64(attrs.Attributes.Timestamp), "err", err)
		ref, err = e.buildAndInsert(ctx, attrs.Parent, attrs.Attributes.WithDepositsOnly())
		if errors.Is(err, errInvalidAttributes) {
			return derive.NewCriticalError(fmt.Errorf("failed to process block with only deposit transactions: %w", err))
		}
	}
	if err != nil {
		return err
	}
	e.SetUnsafeHead(ref)
	e.promotePendingSafe(ref, attrs.Concluding)
	return e.updateForkchoice(ctx)
}

func (e *EngineController) promotePendingSafe(ref eth.L2BlockRef, concluding bool) {
	e.SetPendingSafeL2Head(ref)
	if concluding {
		e.SetSafeHead(ref)
	}
}

func (e *EngineController) updateForkchoice(ctx context.Context) error {
	if err := e.TryUpdateEngine(ctx); err != nil && !errors.Is(err, ErrNoFCUNeeded) {
		return err
	}
	return nil
}

// consolidate compares the attributes with the unsafe block the engine already has at that height.
func (e *EngineController) consolidate(ctx context.Context, attrs *derive.AttributesWithParent) (eth.L2BlockRef, bool, error) {
	envelope, err := e.engine.PayloadByNumber(ctx, attrs.Parent.Number+1)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// engine may have restarted, or inconsistent safe head. We need to reset
			return eth.L2BlockRef{}, false, derive.NewResetError(fmt.Errorf("expected engine was synced and had unsafe block to reconcile, but cannot find the block: %w", err))
		}
		return eth.L2BlockRef{}, false, derive.NewTemporaryError(fmt.Errorf("failed to get existing unsafe payload to compare against derived attributes from L1: %w", err))
	}
	if err := AttributesMatchBlock(e.rollupCfg, attrs.Attributes, attrs.Parent.Hash, envelope); err != nil {
		e.log.Warn("L2 reorg: existing unsafe block does not match derived attributes from L1",
			"err", err, "unsafe", envelope.ExecutionPayload.ID(), "pending_safe", attrs.Parent)
		return eth.L2BlockRef{}, false, nil
	}
	ref, err := derive.PayloadToBlockRef(e.rollupCfg, envelope.ExecutionPayload)
	if err != nil {
		return eth.L2BlockRef{}, false, derive.NewResetError(fmt.Errorf("failed to decode L2 block ref from existing payload: %w", err))
	}
	return ref, true, nil
}

// buildAndInsert builds a block from the attributes on top of parent and executes it.
// The forkchoice state is not moved to the new block.
func (e *EngineController) buildAndInsert(ctx context.Context, parent eth.L2BlockRef, attrs *eth.PayloadAttributes) (eth.L2BlockRef, error) {
	fc := eth.ForkchoiceState{
		HeadBlockHash:      parent.Hash,
		SafeBlockHash:      e.safeHead.Hash,
		FinalizedBlockHash: e.finalizedHead.Hash,
	}
	if parent.Number < e.finalizedHead.Number {
		return eth.L2BlockRef{}, derive.NewCriticalError(fmt.Errorf("invalid block-building pre-state, parent %s is behind finalized head %s", parent, e.finalizedHead))
	}

	startCtx, cancel := context.WithTimeout(ctx, buildStartTimeout)
	id, errTyp, err := startPayload(startCtx, e.engine, fc, attrs)
	cancel()
	if err != nil {
		switch errTyp {
		case BlockInsertTemporaryErr:
			return eth.L2BlockRef{}, derive.NewTemporaryError(fmt.Errorf("temporarily cannot insert new safe block: %w", err))
		case BlockInsertPrestateErr:
			return eth.L2BlockRef{}, derive.NewResetError(fmt.Errorf("need reset to resolve pre-state problem: %w", err))
		case BlockInsertPayloadErr:
			return eth.L2BlockRef{}, fmt.Errorf("%w: %w", errInvalidAttributes, err)
		default:
			return eth.L2BlockRef{}, derive.NewCriticalError(fmt.Errorf("unknown error type %d: %w", errTyp, err))
		}
	}

	info := eth.PayloadInfo{ID: id, Timestamp: uint64(attrs.Timestamp)}
	sealCtx, cancel := context.WithTimeout(ctx, buildSealTimeout)
	envelope, err := e.engine.GetPayload(sealCtx, info)
	cancel()
	if err != nil {
		var inputErr eth.InputError
		if errors.As(err, &inputErr) && inputErr.Code == eth.UnknownPayload {
			e.log.Warn("Cannot seal block, payload ID is unknown", "payloadID", info.ID, "payload_time", info.Timestamp)
		}
		return eth.L2BlockRef{}, derive.NewTemporaryError(fmt.Errorf("failed to seal execution payload (ID: %s): %w", info.ID, err))
	}
	if err := sanityCheckPayload(envelope.ExecutionPayload); err != nil {
		return eth.L2BlockRef{}, fmt.Errorf("%w: failed sanity-check of execution payload contents (ID: %s, blockhash: %s): %w",
			errInvalidAttributes, info.ID, envelope.ExecutionPayload.BlockHash, err)
	}
	ref, err := derive.PayloadToBlockRef(e.rollupCfg, envelope.ExecutionPayload)
	if err != nil {
		return eth.L2BlockRef{}, fmt.Errorf("%w: failed to decode L2 block ref from payload: %w", errInvalidAttributes, err)
	}

	processCtx, cancel := context.WithTimeout(ctx, payloadProcessTimeout)
	status, err := e.engine.NewPayload(processCtx, envelope.ExecutionPayload, envelope.ParentBeaconBlockRoot)
	cancel()
	if err != nil {
		return eth.L2BlockRef{}, derive.NewTemporaryError(fmt.Errorf("failed to insert execution payload: %w", err))
	}
	switch status.Status {
	case eth.ExecutionValid:
		e.log.Debug("Processed new safe L2 block", "ref", ref, "l1_origin", ref.L1Origin,
			"txs", len(envelope.ExecutionPayload.Transactions), "time", ref.Time)
		return ref, nil
	case eth.ExecutionInvalid, eth.ExecutionInvalidBlockHash:
		return eth.L2BlockRef{}, fmt.Errorf("%w: %w", errInvalidAttributes, eth.NewPayloadErr(envelope.ExecutionPayload, status))
	default:
		return eth.L2BlockRef{}, derive.NewTemporaryError(eth.NewPayloadErr(envelope.ExecutionPayload, status))
	}
}

// AttributesMatchBlock checks that the block built on parentHash is the block the attributes
// describe.
func AttributesMatchBlock(rollupCfg *rollup.Config, attrs *eth.PayloadAttributes, parentHash common.Hash, envelope *eth.ExecutionPayloadEnvelope) error {
	block := envelope.ExecutionPayload
	if parentHash != block.ParentHash {
		return fmt.Errorf("parent hash field does not match. expected: %v. got: %v", parentHash, block.ParentHash)
	}
	if attrs.Timestamp != block.Timestamp {
		return fmt.Errorf("timestamp field does not match. expected: %v. got: %v", uint64(attrs.Timestamp), block.Timestamp)
	}
	if attrs.PrevRandao != block.PrevRandao {
		return fmt.Errorf("random field does not match. expected: %v. got: %v", attrs.PrevRandao, block.PrevRandao)
	}
	if attrs.SuggestedFeeRecipient != block.FeeRecipient {
		return fmt.Errorf("fee recipient data does not match, expected %s but got %s", attrs.SuggestedFeeRecipient, block.FeeRecipient)
	}
	if len(attrs.Transactions) != len(block.Transactions) {
		return fmt.Errorf("transaction count does not match. expected: %d. got: %d", len(attrs.Transactions), len(block.Transactions))
	}
	for i, otx := range attrs.Transactions {
		if expect := block.Transactions[i]; !bytes.Equal(otx, expect) {
			return fmt.Errorf("transaction %d does not match. expected: %x. got: %x", i, expect, otx)
		}
	}
	if attrs.GasLimit == nil {
		return fmt.Errorf("expected gaslimit in attributes to not be nil, expected %d", block.GasLimit)
	}
	if *attrs.GasLimit != block.GasLimit {
		return fmt.Errorf("gas limit does not match. expected %d. got: %d", *attrs.GasLimit, block.GasLimit)
	}
	if err := checkWithdrawalsMatch(attrs.Withdrawals, block.Withdrawals); err != nil {
		return err
	}
	if rollupCfg.IsEcotone(uint64(block.Timestamp)) {
		if attrs.ParentBeaconBlockRoot == nil || envelope.ParentBeaconBlockRoot == nil {
			return errors.New("missing parent beacon block root post-ecotone")
		}
		if *attrs.ParentBeaconBlockRoot != *envelope.ParentBeaconBlockRoot {
			return fmt.Errorf("parent beacon block root does not match. expected %s. got: %s", *attrs.ParentBeaconBlockRoot, *envelope.ParentBeaconBlockRoot)
		}
	}
	return nil
}

func checkWithdrawalsMatch(attrWithdrawals *types.Withdrawals, blockWithdrawals *types.Withdrawals) error {
	var attrLen, blockLen int
	if attrWithdrawals != nil {
		attrLen = len(*attrWithdrawals)
	}
	if blockWithdrawals != nil {
		blockLen = len(*blockWithdrawals)
	}
	if attrLen != blockLen {
		return fmt.Errorf("expected withdrawals in block to match attributes, got %d and %d", blockLen, attrLen)
	}
	if attrLen != 0 {
		return errors.New("derived blocks carry no withdrawals")
	}
	return nil
}
