package derive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
)

type CompressionAlgo string

const (
	Zlib   CompressionAlgo = "zlib"
	Brotli CompressionAlgo = "brotli"
)

const (
	// zlib header CM values, the low 4 bits of the first byte.
	ZlibCM8  = 8
	ZlibCM15 = 15

	// ChannelVersionBrotli is the first byte of a brotli compressed channel.
	ChannelVersionBrotli byte = 0x01
)

// BatchReader provides a function that iteratively consumes batches from the reader.
// The L1Inclusion block is also provided at creation time.
// Warning: the batch reader can read every batch-type.
// The caller of the batch-reader should filter the results.
func BatchReader(r io.Reader, maxRLPBytesPerChannel uint64, isFjord bool) (func() (*BatchData, error), error) {
	// use buffered reader so can peek the first byte
	bufReader := bufio.NewReader(r)
	compressionType, err := bufReader.Peek(1)
	if err != nil {
		return nil, err
	}

	var zr io.Reader
	var comprAlgo CompressionAlgo
	// For zlib, the last 4 bits must be either 8 or 15 (both are reserved value)
	if compressionType[0]&0x0F == ZlibCM8 || compressionType[0]&0x0F == ZlibCM15 {
		var err error
		zr, err = zlib.NewReader(bufReader)
		if err != nil {
			return nil, err
		}
		comprAlgo = Zlib
	} else if compressionType[0] == ChannelVersionBrotli {
		// If before Fjord, we cannot accept brotli compressed batch
		if !isFjord {
			return nil, errors.New("cannot accept brotli compressed batch before Fjord")
		}
		// discard the first byte
		if _, err := bufReader.Discard(1); err != nil {
			return nil, err
		}
		zr = brotli.NewReader(bufReader)
		comprAlgo = Brotli
	} else {
		return nil, fmt.Errorf("cannot distinguish the compression algo used given type byte %v", compressionType[0])
	}

	// Setup decompressor stage + RLP reader
	rlpReader := rlp.NewStream(zr, maxRLPBytesPerChannel)
	// Read each batch iteratively
	return func() (*BatchData, error) {
		batchData := BatchData{ComprAlgo: comprAlgo}
		if err := rlpReader.Decode(&batchData); err != nil {
			return nil, err
		}
		return &batchData, nil
	}, nil
}

// DecodeChannel decodes every batch of a channel. A channel either decodes fully or not at all.
func DecodeChannel(data []byte, maxRLPBytesPerChannel uint64, isFjord bool) ([]*BatchData, error) {
	next, err := BatchReader(bytes.NewReader(data), maxRLPBytesPerChannel, isFjord)
	if err != nil {
		return nil, err
	}
	var out []*BatchData
	for {
		batchData, err := next()
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode batch %d: %w", len(out), err)
		}
		out = append(out, batchData)
	}
}

type pendingBatch struct {
	data  *BatchData
	batch Batch
}

// ChannelInReader reads a batch from the channel
// This does very little state management
type ChannelInReader struct {
	log  log.Logger
	cfg  *rollup.Config
	spec *rollup.ChainSpec

	pending []pendingBatch

	prev    RawChannelProvider
	metrics Metrics
}

var _ ResettableStage = (*ChannelInReader)(nil)

// NewChannelInReader creates a ChannelInReader, which should be Reset(origin) before use.
func NewChannelInReader(cfg *rollup.Config, log log.Logger, prev RawChannelProvider, metrics Metrics) *ChannelInReader {
	return &ChannelInReader{
		log:     log,
		cfg:     cfg,
		spec:    rollup.NewChainSpec(cfg),
		prev:    prev,
		metrics: metrics,
	}
}

func (cr *ChannelInReader) Origin() eth.L1BlockRef {
	return cr.prev.Origin()
}

// decodeBatch turns the typed batch data into a Batch, expanding span batches.
func (cr *ChannelInReader) decodeBatch(batchData *BatchData) (Batch, error) {
	if batchData.GetBatchType() == SpanBatchType {
		if origin := cr.Origin(); !cr.cfg.IsDelta(origin.Time) {
			// Check hard fork activation with the L1 inclusion block time instead of the L1 origin block time.
			// Therefore, even if the batch passed this rule, it can be dropped in the batch queue.
			// This is just for early dropping invalid batches as soon as possible.
			return nil, fmt.Errorf("cannot accept span batch in L1 block %s before Delta hard fork", origin)
		}
	}
	batch, err := BatchFromData(cr.cfg, batchData)
	if err != nil {
		return nil, err
	}
	return batchWithMetadata{Batch: batch, comprAlgo: batchData.ComprAlgo}, nil
}

// readChannel decodes all batches of the next channel, the channel is dropped on the first error.
func (cr *ChannelInReader) readChannel(data []byte) {
	origin := cr.Origin()
	datas, err := DecodeChannel(data, cr.spec.MaxRLPBytesPerChannel(origin.Time), cr.cfg.IsFjord(origin.Time))
	if err != nil {
		cr.log.Warn("dropping channel, failed to decode batches", "origin", origin, "err", err)
		return
	}
	pending := make([]pendingBatch, 0, len(datas))
	for i, batchData := range datas {
		batch, err := cr.decodeBatch(batchData)
		if err != nil {
			cr.log.Warn("dropping channel, invalid batch", "origin", origin, "index", i, "err", err)
			return
		}
		pending = append(pending, pendingBatch{data: batchData, batch: batch})
	}
	cr.pending = pending
}

// NextBatch pulls out the next batch from the channel if it has it.
// It returns io.EOF when it cannot make any more progress.
// It will return a temporary error if it needs to be called again to advance some internal state.
func (cr *ChannelInReader) NextBatch(ctx context.Context) (Batch, error) {
	if len(cr.pending) == 0 {
		data, err := cr.prev.NextRawChannel(ctx)
		if err != nil {
			return nil, err
		}
		cr.readChannel(data)
		if len(cr.pending) == 0 {
			return nil, NotEnoughData
		}
	}

	next := cr.pending[0]
	cr.pending = cr.pending[1:]
	switch next.batch.GetBatchType() {
	case SingularBatchType:
		cr.metrics.RecordDerivedBatches("singular")
	case SpanBatchType:
		cr.metrics.RecordDerivedBatches("span")
	}
	next.batch.LogContext(cr.log).Debug("decoded batch from channel", "stage_origin", cr.Origin())
	return next.batch, nil
}

// NextChannel drops the remaining batches of the current channel.
func (cr *ChannelInReader) NextChannel() {
	cr.pending = nil
}

func (cr *ChannelInReader) Reset(ctx context.Context, _ eth.L1BlockRef, _ eth.SystemConfig) error {
	cr.pending = nil
	return io.EOF
}
