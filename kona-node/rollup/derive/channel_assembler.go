package derive

import (
	"context"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
)

type NextFrameProvider interface {
	NextFrame(ctx context.Context) (Frame, error)
	Origin() eth.L1BlockRef
}

type RawChannelProvider interface {
	ResettableStage
	Origin() eth.L1BlockRef
	NextRawChannel(ctx context.Context) ([]byte, error)
}

// ChannelAssembler buffers frames of all open channels and hands out complete channels.
//
// Channels are kept in the order they were opened. Every call first evicts the channels that
// timed out, then the oldest channels while the buffered bytes exceed the memory ceiling.
// A complete channel is handed out once the L1 block it completed in is fully read, so that
// channels completing in the same block come out in channel id order.
type ChannelAssembler struct {
	log     log.Logger
	spec    *rollup.ChainSpec
	metrics Metrics

	channels     map[ChannelID]*Channel // channels by ID
	channelQueue []ChannelID            // channels in open order

	prev      NextFrameProvider
	origin    eth.L1BlockRef
	exhausted bool // prev returned io.EOF for the current origin
}

var _ RawChannelProvider = (*ChannelAssembler)(nil)

// NewChannelAssembler creates a ChannelAssembler, which should be Reset(origin) before use.
func NewChannelAssembler(log log.Logger, spec *rollup.ChainSpec, prev NextFrameProvider, m Metrics) *ChannelAssembler {
	return &ChannelAssembler{
		log:      log,
		spec:     spec,
		metrics:  m,
		channels: make(map[ChannelID]*Channel),
		prev:     prev,
	}
}

func (ca *ChannelAssembler) Origin() eth.L1BlockRef {
	return ca.prev.Origin()
}

func (ca *ChannelAssembler) syncOrigin() {
	if origin := ca.prev.Origin(); origin != ca.origin {
		ca.origin = origin
		ca.exhausted = false
	}
}

// totalSize is the size of all buffered frames, including the per-frame overhead.
func (ca *ChannelAssembler) totalSize() (size uint64) {
	for _, ch := range ca.channels {
		size += ch.Size()
	}
	return size
}

// timedOut reports whether the channel exceeded its age ceiling. A complete channel is aged up to
// the block it completed in, so a channel completed in time is never evicted for age.
func (ca *ChannelAssembler) timedOut(ch *Channel) bool {
	at := ca.origin.Number
	if ch.complete {
		at = ch.readyAt.Number
	}
	return ch.OpenBlockNumber()+ca.spec.ChannelTimeout(ca.origin.Time) < at
}

func (ca *ChannelAssembler) remove(id ChannelID) {
	delete(ca.channels, id)
	for i, qid := range ca.channelQueue {
		if qid == id {
			ca.channelQueue = append(ca.channelQueue[:i], ca.channelQueue[i+1:]...)
			break
		}
	}
}

// prune evicts timed out channels, then the oldest channels until the memory ceiling is respected.
func (ca *ChannelAssembler) prune() {
	kept := ca.channelQueue[:0]
	for _, id := range ca.channelQueue {
		ch := ca.channels[id]
		if ca.timedOut(ch) {
			ca.log.Info("channel timed out", "channel", id, "open_block", ch.OpenBlockNumber(), "origin", ca.origin, "frames", len(ch.inputs))
			ca.metrics.RecordChannelTimedOut()
			delete(ca.channels, id)
			continue
		}
		kept = append(kept, id)
	}
	ca.channelQueue = kept

	limit := ca.spec.MaxChannelBankSize(ca.origin.Time)
	for size := ca.totalSize(); size > limit && len(ca.channelQueue) > 0; size = ca.totalSize() {
		id := ca.channelQueue[0]
		ch := ca.channels[id]
		ca.log.Warn("evicting oldest channel, channel assembler over memory limit", "channel", id, "channel_size", ch.Size(), "total_size", size, "limit", limit)
		ca.remove(id)
	}
}

// IngestFrame adds new L1 data to the channel assembler.
// Read() should be called repeatedly first, until everything has been read, before adding new data.
func (ca *ChannelAssembler) IngestFrame(f Frame) {
	origin := ca.origin
	log := ca.log.New("origin", origin, "channel", f.ID, "length", len(f.Data), "frame_number", f.FrameNumber, "is_last", f.IsLast)
	log.Debug("channel assembler got new data")

	currentCh, ok := ca.channels[f.ID]
	if !ok {
		// create new channel if it doesn't exist yet
		currentCh = NewChannel(f.ID, origin)
		ca.channels[f.ID] = currentCh
		ca.channelQueue = append(ca.channelQueue, f.ID)
		log.Info("created new channel")
		ca.metrics.RecordHeadChannelOpened()
	}

	// check if the channel is not timed out
	if ca.timedOut(currentCh) {
		log.Warn("channel is timed out, ignore frame")
		return
	}

	log.Trace("ingesting frame")
	err := currentCh.AddFrame(f, origin)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateFrame):
		log.Debug("ignoring duplicate frame")
	case errors.Is(err, ErrConflictingFrame):
		log.Warn("dropping channel, frame conflicts with buffered frame", "err", err)
		ca.remove(f.ID)
	default:
		log.Warn("failed to ingest frame into channel", "err", err)
	}

	// Prune after the frame is loaded.
	ca.prune()
}

// Read the next complete channel, if one may be handed out at the current origin.
// Complete channels are ordered by the L1 block they completed in, then by channel id.
func (ca *ChannelAssembler) Read() (data []byte, err error) {
	var next *Channel
	for _, id := range ca.channelQueue {
		ch := ca.channels[id]
		if !ch.complete {
			continue
		}
		if ch.readyAt.Number >= ca.origin.Number && !ca.exhausted {
			continue
		}
		if next == nil ||
			ch.readyAt.Number < next.readyAt.Number ||
			(ch.readyAt.Number == next.readyAt.Number && ch.id.Less(next.id)) {
			next = ch
		}
	}
	if next == nil {
		return nil, io.EOF
	}
	ca.remove(next.id)
	data, err = io.ReadAll(next.Reader())
	if err != nil {
		return nil, err
	}
	ca.log.Info("read channel", "channel", next.id, "frames", len(next.inputs), "ready_at", next.readyAt, "length", len(data))
	ca.metrics.RecordChannelInputBytes(len(data))
	return data, nil
}

// NextRawChannel pulls the next complete channel. It returns NotEnoughData after every ingested
// frame, and io.EOF once the current origin has no data and no channel is complete.
func (ca *ChannelAssembler) NextRawChannel(ctx context.Context) ([]byte, error) {
	ca.syncOrigin()
	ca.prune()

	// Do the read from the channel assembler first
	if data, err := ca.Read(); err == nil {
		return data, nil
	} else if err != io.EOF {
		return nil, err
	}

	// Then load data into the channel assembler
	frame, err := ca.prev.NextFrame(ctx)
	if err == io.EOF {
		ca.exhausted = true
		return ca.Read()
	} else if err != nil {
		return nil, err
	}
	ca.IngestFrame(frame)
	return nil, NotEnoughData
}

func (ca *ChannelAssembler) Reset(ctx context.Context, base eth.L1BlockRef, _ eth.SystemConfig) error {
	ca.channels = make(map[ChannelID]*Channel)
	ca.channelQueue = make([]ChannelID, 0, 10)
	ca.origin = base
	ca.exhausted = false
	return io.EOF
}
