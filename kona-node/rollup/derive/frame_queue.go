package derive

import (
	"context"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-service/eth"
)

var _ NextFrameProvider = (*FrameQueue)(nil)

type NextDataProvider interface {
	NextData(context.Context) ([]byte, error)
	Origin() eth.L1BlockRef
}

// FrameQueue parses the batcher payloads of the current origin into frames.
// A payload with any malformed frame is dropped as a whole.
type FrameQueue struct {
	log     log.Logger
	metrics Metrics
	frames  []Frame
	prev    NextDataProvider
}

func NewFrameQueue(log log.Logger, metrics Metrics, prev NextDataProvider) *FrameQueue {
	return &FrameQueue{
		log:     log,
		metrics: metrics,
		prev:    prev,
	}
}

func (fq *FrameQueue) Origin() eth.L1BlockRef {
	return fq.prev.Origin()
}

func (fq *FrameQueue) NextFrame(ctx context.Context) (Frame, error) {
	// Find more frames if we need to
	if len(fq.frames) == 0 {
		data, err := fq.prev.NextData(ctx)
		if err != nil {
			return Frame{}, err
		}
		if frames, err := ParseFrames(data); err == nil {
			fq.frames = append(fq.frames, frames...)
		} else {
			fq.log.Warn("Failed to parse frames", "origin", fq.prev.Origin(), "err", err)
		}
	}
	// If we did not add more frames but still have more data, retry this function.
	if len(fq.frames) == 0 {
		return Frame{}, NotEnoughData
	}

	ret := fq.frames[0]
	fq.frames = fq.frames[1:]
	fq.metrics.RecordFrame()
	return ret, nil
}

func (fq *FrameQueue) Reset(_ context.Context, _ eth.L1BlockRef, _ eth.SystemConfig) error {
	fq.frames = fq.frames[:0]
	return io.EOF
}
