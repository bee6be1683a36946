package derive

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/succinctlabs/kona/kona-node/rollup"
)

// Batch format
//
// SingularBatchType := 0
// singularBatch := SingularBatchType ++ RLP([parent_hash, epoch_number, epoch_hash, timestamp, transaction_list]
//
// SpanBatchType := 1
// spanBatch := SpanBatchType ++ prefix ++ payload
const (
	// SingularBatchType is the first version of Batch format, representing a single L2 block.
	SingularBatchType = 0
	// SpanBatchType is the Batch version used after Delta hard fork, representing a span of L2 blocks.
	SpanBatchType = 1
)

// Batch contains information to build one or multiple L2 blocks.
// Batcher converts L2 blocks into Batch and writes encoded bytes to Channel.
// Derivation pipeline decodes Batch from Channel, and converts to one or multiple payload attributes.
type Batch interface {
	GetBatchType() int
	GetTimestamp() uint64
	LogContext(log.Logger) log.Logger
	AsSingularBatch() (*SingularBatch, bool)
	AsSpanBatch() (*SpanBatch, bool)
}

type batchWithMetadata struct {
	Batch
	comprAlgo CompressionAlgo
}

func (b batchWithMetadata) LogContext(l log.Logger) log.Logger {
	lgr := b.Batch.LogContext(l)
	if b.comprAlgo == "" {
		return lgr
	}
	return lgr.With("compression_algo", b.comprAlgo)
}

// BatchData is used to represent the typed encoding & decoding.
// and wraps around a single interface InnerBatchData.
// Similar design with op-geth's types.Transaction struct.
type BatchData struct {
	inner     InnerBatchData
	ComprAlgo CompressionAlgo
}

// InnerBatchData is the underlying inner of a BatchData.
// This is implemented by SingularBatch and RawSpanBatch.
type InnerBatchData interface {
	GetBatchType() int
	encode(w io.Writer) error
	decode(r *bytes.Reader) error
}

// NewBatchData creates a new BatchData
func NewBatchData(inner InnerBatchData) *BatchData {
	return &BatchData{inner: inner}
}

func (b *BatchData) GetBatchType() uint8 {
	return uint8(b.inner.GetBatchType())
}

// EncodeRLP implements rlp.Encoder
func (b *BatchData) EncodeRLP(w io.Writer) error {
	var buf bytes.Buffer
	if err := b.encodeTyped(&buf); err != nil {
		return err
	}
	return rlp.Encode(w, buf.Bytes())
}

// MarshalBinary returns the canonical encoding of the batch.
func (b *BatchData) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := b.encodeTyped(&buf)
	return buf.Bytes(), err
}

// encodeTyped encodes batch type and payload for each batch type.
func (b *BatchData) encodeTyped(buf *bytes.Buffer) error {
	if err := buf.WriteByte(b.GetBatchType()); err != nil {
		return err
	}
	return b.inner.encode(buf)
}

// DecodeRLP implements rlp.Decoder
func (b *BatchData) DecodeRLP(s *rlp.Stream) error {
	if b == nil {
		return errors.New("cannot decode into nil BatchData")
	}
	v, err := s.Bytes()
	if err != nil {
		return err
	}
	return b.decodeTyped(v)
}

// UnmarshalBinary decodes the canonical encoding of batch.
func (b *BatchData) UnmarshalBinary(data []byte) error {
	if b == nil {
		return errors.New("cannot decode into nil BatchData")
	}
	return b.decodeTyped(data)
}

// decodeTyped decodes a typed batchData
func (b *BatchData) decodeTyped(data []byte) error {
	if len(data) == 0 {
		return errors.New("batch too short")
	}
	var inner InnerBatchData
	switch data[0] {
	case SingularBatchType:
		inner = new(SingularBatch)
	case SpanBatchType:
		inner = new(RawSpanBatch)
	default:
		return fmt.Errorf("unrecognized batch type: %d", data[0])
	}
	if err := inner.decode(bytes.NewReader(data[1:])); err != nil {
		return err
	}
	b.inner = inner
	return nil
}

// BatchFromData returns the Batch carried by the batch data. Span batches are expanded into
// their per-block elements.
func BatchFromData(cfg *rollup.Config, batchData *BatchData) (Batch, error) {
	switch batchData.GetBatchType() {
	case SingularBatchType:
		singularBatch, ok := batchData.inner.(*SingularBatch)
		if !ok {
			return nil, errors.New("failed type assertion to SingularBatch")
		}
		return singularBatch, nil
	case SpanBatchType:
		spanBatch, err := DeriveSpanBatch(batchData, cfg.BlockTime, cfg.Genesis.L2Time, cfg.L2ChainID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive span batch: %w", err)
		}
		return spanBatch, nil
	default:
		return nil, fmt.Errorf("unrecognized batch type: %d", batchData.GetBatchType())
	}
}

// DataFromBatch is the inverse of BatchFromData.
func DataFromBatch(batch Batch) (*BatchData, error) {
	if singularBatch, ok := batch.AsSingularBatch(); ok {
		return NewBatchData(singularBatch), nil
	}
	if spanBatch, ok := batch.AsSpanBatch(); ok {
		rawSpanBatch, err := spanBatch.ToRawSpanBatch()
		if err != nil {
			return nil, err
		}
		return NewBatchData(rawSpanBatch), nil
	}
	return nil, fmt.Errorf("unrecognized batch type: %d", batch.GetBatchType())
}
