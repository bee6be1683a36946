package derive

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"

	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrMaxFrameIndex           = errors.New("max frame index reached (uint16)")
	ErrTooManyRLPBytes         = errors.New("batch would cause RLP bytes to go over limit")
	ErrChannelOutAlreadyClosed = errors.New("channel-out already closed")
)

// FrameV0OverHeadSize is the absolute minimum size of a frame.
// This is the fixed overhead frame size, calculated as specified
// in the [Frame Format] specs: 16 + 2 + 4 + 1 = 23 bytes.
const FrameV0OverHeadSize = 23

// ChannelOut is the inverse of the batch decoder: it RLP encodes batches into a compressed
// channel and cuts the compressed stream into frames.
type ChannelOut struct {
	id ChannelID
	// Frame ID of the next frame to emit. Increment after emitting
	frame uint64
	// rlpLength is the uncompressed size of the channel. Must be less than MAX_RLP_BYTES_PER_CHANNEL
	rlpLength int
	maxRLP    uint64

	buf      bytes.Buffer
	compress io.WriteCloser
	closed   bool
}

// NewChannelOut opens a channel with a random id, compressed with the given algorithm.
func NewChannelOut(algo CompressionAlgo, maxRLPBytesPerChannel uint64) (*ChannelOut, error) {
	co := &ChannelOut{maxRLP: maxRLPBytesPerChannel}
	if _, err := rand.Read(co.id[:]); err != nil {
		return nil, err
	}
	switch algo {
	case Zlib:
		w, err := zlib.NewWriterLevel(&co.buf, zlib.BestCompression)
		if err != nil {
			return nil, err
		}
		co.compress = w
	case Brotli:
		co.buf.WriteByte(ChannelVersionBrotli)
		co.compress = brotli.NewWriterLevel(&co.buf, brotli.BestCompression)
	default:
		return nil, fmt.Errorf("unsupported compression algo %q", algo)
	}
	return co, nil
}

func (co *ChannelOut) ID() ChannelID {
	return co.id
}

// AddBatch adds a singular or span batch to the channel.
func (co *ChannelOut) AddBatch(batch Batch) error {
	if co.closed {
		return ErrChannelOutAlreadyClosed
	}
	batchData, err := DataFromBatch(batch)
	if err != nil {
		return err
	}

	// We encode to a temporary buffer to determine the encoded length to
	// ensure that the total size of all RLP elements is less than or equal to MAX_RLP_BYTES_PER_CHANNEL
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, batchData); err != nil {
		return err
	}
	if uint64(co.rlpLength+buf.Len()) > co.maxRLP {
		return fmt.Errorf("could not add %d bytes to channel of %d bytes, max is %d. err: %w",
			buf.Len(), co.rlpLength, co.maxRLP, ErrTooManyRLPBytes)
	}
	co.rlpLength += buf.Len()

	// avoid using io.Copy here, because we need all or nothing
	_, err = co.compress.Write(buf.Bytes())
	return err
}

// InputBytes returns the total amount of RLP-encoded input bytes.
func (co *ChannelOut) InputBytes() int {
	return co.rlpLength
}

// ReadyBytes returns the number of bytes that the channel out can immediately output into a frame.
// Use `Flush` or `Close` to move data from the compression buffer into the ready buffer if more bytes
// are needed. Add blocks may add to the ready buffer, but it is not guaranteed due to the compression stage.
func (co *ChannelOut) ReadyBytes() int {
	return co.buf.Len()
}

// Flush flushes the internal compression stage to the ready buffer. It enables pulling a larger & more
// complete frame. It reduces the compression efficiency.
func (co *ChannelOut) Flush() error {
	switch w := co.compress.(type) {
	case *zlib.Writer:
		return w.Flush()
	case *brotli.Writer:
		return w.Flush()
	}
	return nil
}

func (co *ChannelOut) Close() error {
	if co.closed {
		return ErrChannelOutAlreadyClosed
	}
	co.closed = true
	return co.compress.Close()
}

// OutputFrame writes a frame to w with a given max size and returns the frame
// number.
// Use `ReadyBytes`, `Flush`, and `Close` to modify the ready buffer.
// Returns an error if the `maxSize` < FrameV0OverHeadSize.
// Returns io.EOF when the channel is closed & there are no more frames.
// Returns nil if there is still more buffered data.
// Returns an error if it ran into an error during processing.
func (co *ChannelOut) OutputFrame(w *bytes.Buffer, maxSize uint64) (uint16, error) {
	// Check that the maxSize is large enough for the frame overhead size.
	if maxSize < FrameV0OverHeadSize {
		return 0, fmt.Errorf("max frame size %d is less than the minimum 23", maxSize)
	}

	f := createEmptyFrame(co.id, co.frame, co.ReadyBytes(), co.closed, maxSize)

	if _, err := io.ReadFull(&co.buf, f.Data); err != nil {
		return 0, err
	}

	if err := f.MarshalBinary(w); err != nil {
		return 0, err
	}

	co.frame += 1
	fn := f.FrameNumber
	if fn == math.MaxUint16 {
		return fn, ErrMaxFrameIndex
	}
	if f.IsLast {
		return fn, io.EOF
	}
	return fn, nil
}

func createEmptyFrame(id ChannelID, frame uint64, readyBytes int, closed bool, maxSize uint64) *Frame {
	f := Frame{
		ID:          id,
		FrameNumber: uint16(frame),
	}

	// Copy data from the local buffer into the frame data buffer
	maxDataSize := maxSize - FrameV0OverHeadSize
	if maxDataSize >= uint64(readyBytes) {
		maxDataSize = uint64(readyBytes)
		// If we are closed & will not spill past the current frame
		// mark it as the final frame of the channel.
		if closed {
			f.IsLast = true
		}
	}
	f.Data = make([]byte, maxDataSize)
	return &f
}

// FramesOf closes the channel and cuts all of its data into frames of at most maxSize bytes.
func (co *ChannelOut) FramesOf(maxSize uint64) ([]Frame, error) {
	if !co.closed {
		if err := co.Close(); err != nil {
			return nil, err
		}
	}
	var out []Frame
	for {
		var buf bytes.Buffer
		_, err := co.OutputFrame(&buf, maxSize)
		if err != nil && err != io.EOF {
			return nil, err
		}
		var f Frame
		if uerr := f.UnmarshalBinary(&buf); uerr != nil {
			return nil, uerr
		}
		out = append(out, f)
		if err == io.EOF {
			return out, nil
		}
	}
}

// BatcherPayload wraps frames into the payload of a single batcher transaction.
func BatcherPayload(frames ...Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(DerivationVersion0)
	for i := range frames {
		if err := frames[i].MarshalBinary(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
