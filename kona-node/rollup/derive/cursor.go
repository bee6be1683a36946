package derive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/succinctlabs/kona/kona-service/eth"
)

const PipelineCursorVersion = 1

var ErrCursorMismatch = errors.New("pipeline cursor does not match the safe head")

// PipelineCursor is the resumable position of the pipeline. Restoring it re-reads the data of
// the cursor origin, every frame and batch seen twice is ignored the second time.
type PipelineCursor struct {
	Version      uint8            `json:"version"`
	Origin       eth.L1BlockRef   `json:"origin"`
	SystemConfig eth.SystemConfig `json:"system_config"`
	SafeHead     eth.L2BlockRef   `json:"safe_head"`

	Channels       []ChannelSnapshot `json:"channels"`
	PendingBatches []RawBatch        `json:"pending_batches"`
	BatchQueue     BatchQueueCursor  `json:"batch_queue"`

	AttributesBatch      hexutil.Bytes `json:"attributes_batch,omitempty"`
	AttributesConcluding bool          `json:"attributes_concluding,omitempty"`
}

type ChannelSnapshot struct {
	ID           ChannelID       `json:"id"`
	OpenBlock    eth.L1BlockRef  `json:"open_block"`
	HighestBlock eth.L1BlockRef  `json:"highest_block"`
	ReadyAt      *eth.L1BlockRef `json:"ready_at,omitempty"`
	Frames       []Frame         `json:"frames"`
}

// RawBatch is a batch in its typed binary encoding.
type RawBatch struct {
	Data      hexutil.Bytes   `json:"data"`
	ComprAlgo CompressionAlgo `json:"compr_algo,omitempty"`
}

type BufferedBatch struct {
	L1InclusionBlock eth.L1BlockRef `json:"l1_inclusion_block"`
	Data             hexutil.Bytes  `json:"data"`
}

type BatchQueueCursor struct {
	Origin   eth.L1BlockRef   `json:"origin"`
	L1Blocks []eth.L1BlockRef `json:"l1_blocks"`
	Batches  []BufferedBatch  `json:"batches"`
	NextSpan []hexutil.Bytes  `json:"next_span,omitempty"`
}

// ParsePipelineCursor decodes a cursor written by Cursor.
func ParsePipelineCursor(data []byte) (*PipelineCursor, error) {
	var c PipelineCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline cursor: %w", err)
	}
	if c.Version != PipelineCursorVersion {
		return nil, fmt.Errorf("unsupported pipeline cursor version %d", c.Version)
	}
	return &c, nil
}

func encodeBatch(batch Batch) (hexutil.Bytes, error) {
	bd, err := DataFromBatch(batch)
	if err != nil {
		return nil, err
	}
	return bd.MarshalBinary()
}

func (dp *DerivationPipeline) decodeBatch(data []byte) (Batch, error) {
	var bd BatchData
	if err := bd.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return BatchFromData(dp.rollupCfg, &bd)
}

func (dp *DerivationPipeline) decodeSingularBatch(data []byte) (*SingularBatch, error) {
	batch, err := dp.decodeBatch(data)
	if err != nil {
		return nil, err
	}
	sb, ok := batch.AsSingularBatch()
	if !ok {
		return nil, fmt.Errorf("expected singular batch, got type %d", batch.GetBatchType())
	}
	return sb, nil
}

// Cursor snapshots the buffered state of the pipeline on top of the given safe head.
// It fails while the pipeline is resetting.
func (dp *DerivationPipeline) Cursor(safeHead eth.L2BlockRef) (*PipelineCursor, error) {
	if !dp.DerivationReady() {
		return nil, errors.New("cannot snapshot a resetting pipeline")
	}
	c := &PipelineCursor{
		Version:      PipelineCursorVersion,
		Origin:       dp.traversal.Origin(),
		SystemConfig: dp.traversal.SystemConfig(),
		SafeHead:     safeHead,
	}

	for _, id := range dp.assembler.channelQueue {
		ch := dp.assembler.channels[id]
		snap := ChannelSnapshot{
			ID:           id,
			OpenBlock:    ch.openBlock,
			HighestBlock: ch.HighestBlock(),
			Frames:       ch.frames(),
		}
		if ch.complete {
			readyAt := ch.ReadyAt()
			snap.ReadyAt = &readyAt
		}
		c.Channels = append(c.Channels, snap)
	}

	for _, p := range dp.channelIn.pending {
		data, err := p.data.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode pending batch: %w", err)
		}
		c.PendingBatches = append(c.PendingBatches, RawBatch{Data: data, ComprAlgo: p.data.ComprAlgo})
	}

	bq := dp.batchQueue
	c.BatchQueue.Origin = bq.origin
	c.BatchQueue.L1Blocks = append([]eth.L1BlockRef{}, bq.l1Blocks...)
	for _, b := range bq.batches {
		data, err := encodeBatch(b.Batch)
		if err != nil {
			return nil, fmt.Errorf("failed to encode buffered batch: %w", err)
		}
		c.BatchQueue.Batches = append(c.BatchQueue.Batches, BufferedBatch{L1InclusionBlock: b.L1InclusionBlock, Data: data})
	}
	for _, sb := range bq.nextSpan {
		data, err := encodeBatch(sb)
		if err != nil {
			return nil, fmt.Errorf("failed to encode span element: %w", err)
		}
		c.BatchQueue.NextSpan = append(c.BatchQueue.NextSpan, data)
	}

	if dp.attrib.batch != nil {
		data, err := encodeBatch(dp.attrib.batch)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attributes batch: %w", err)
		}
		c.AttributesBatch = data
		c.AttributesConcluding = dp.attrib.concluding
	}
	return c, nil
}

// RestoreCursor rebuilds the pipeline buffers from the cursor. The safe head must be the one the
// cursor was taken on, otherwise the pipeline has to be reset instead.
func (dp *DerivationPipeline) RestoreCursor(ctx context.Context, c *PipelineCursor, safeHead eth.L2BlockRef) error {
	if c.SafeHead != safeHead {
		return fmt.Errorf("%w: cursor %s, safe head %s", ErrCursorMismatch, c.SafeHead, safeHead)
	}

	// Every stage starts empty at the cursor origin, the traversal hands the origin out again.
	for i, stage := range dp.stages {
		if err := stage.Reset(ctx, c.Origin, c.SystemConfig); err != nil && err != io.EOF {
			return fmt.Errorf("stage %d failed resetting: %w", i, err)
		}
	}

	for _, snap := range c.Channels {
		ch := NewChannel(snap.ID, snap.OpenBlock)
		for _, f := range snap.Frames {
			if err := ch.AddFrame(f, snap.HighestBlock); err != nil {
				return fmt.Errorf("failed to restore frame %d of channel %s: %w", f.FrameNumber, snap.ID, err)
			}
		}
		ch.highestL1InclusionBlock = snap.HighestBlock
		ch.complete = snap.ReadyAt != nil
		if ch.complete {
			ch.readyAt = *snap.ReadyAt
		} else {
			ch.readyAt = eth.L1BlockRef{}
		}
		dp.assembler.channels[snap.ID] = ch
		dp.assembler.channelQueue = append(dp.assembler.channelQueue, snap.ID)
	}

	for _, raw := range c.PendingBatches {
		var bd BatchData
		if err := bd.UnmarshalBinary(raw.Data); err != nil {
			return fmt.Errorf("failed to decode pending batch: %w", err)
		}
		bd.ComprAlgo = raw.ComprAlgo
		batch, err := BatchFromData(dp.rollupCfg, &bd)
		if err != nil {
			return fmt.Errorf("failed to restore pending batch: %w", err)
		}
		dp.channelIn.pending = append(dp.channelIn.pending, pendingBatch{
			data:  &bd,
			batch: batchWithMetadata{Batch: batch, comprAlgo: bd.ComprAlgo},
		})
	}

	bq := dp.batchQueue
	bq.origin = c.BatchQueue.Origin
	bq.l1Blocks = append(bq.l1Blocks[:0], c.BatchQueue.L1Blocks...)
	for _, b := range c.BatchQueue.Batches {
		batch, err := dp.decodeBatch(b.Data)
		if err != nil {
			return fmt.Errorf("failed to restore buffered batch: %w", err)
		}
		bq.batches = append(bq.batches, &BatchWithL1InclusionBlock{L1InclusionBlock: b.L1InclusionBlock, Batch: batch})
	}
	for _, data := range c.BatchQueue.NextSpan {
		sb, err := dp.decodeSingularBatch(data)
		if err != nil {
			return fmt.Errorf("failed to restore span element: %w", err)
		}
		bq.nextSpan = append(bq.nextSpan, sb)
	}

	if len(c.AttributesBatch) > 0 {
		sb, err := dp.decodeSingularBatch(c.AttributesBatch)
		if err != nil {
			return fmt.Errorf("failed to restore attributes batch: %w", err)
		}
		dp.attrib.batch = sb
		dp.attrib.concluding = c.AttributesConcluding
	}

	dp.origin = c.Origin
	dp.resetting = len(dp.stages)
	dp.resetPrepared = false
	dp.log.Info("restored derivation pipeline", "origin", c.Origin, "safe_head", safeHead,
		"channels", len(c.Channels), "pending_batches", len(c.PendingBatches), "buffered_batches", len(c.BatchQueue.Batches))
	return nil
}
