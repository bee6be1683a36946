package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	gosync "sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-node/rollup/engine"
	"github.com/succinctlabs/kona/kona-node/rollup/status"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/retry"
)

type SyncStatus = eth.SyncStatus

// Driver steps the derivation pipeline and applies the derived attributes to the engine.
// All pipeline and engine state is owned by the event loop goroutine.
type Driver struct {
	statusTracker *status.StatusTracker
	finalizer     *finalizer

	derivation DerivationPipeline
	engine     EngineController

	l1 L1Chain
	l2 L2Chain

	// Requests to block the event loop for synchronous execution to avoid reading an inconsistent state
	stateReq chan chan struct{}

	// Upon receiving a channel in this channel, the derivation pipeline is forced to be reset.
	// It tells the caller that the reset occurred by closing the passed in channel.
	forceReset chan chan struct{}

	// Driver config: step timeout
	driverConfig *Config
	cfg          *rollup.Config

	// L1 Signals to handle new L1 blocks
	l1HeadSig      chan eth.L1BlockRef
	l1SafeSig      chan eth.L1BlockRef
	l1FinalizedSig chan eth.L1BlockRef

	// attributes that were derived but not applied yet, retried after temporary engine errors
	pendingAttrs *derive.AttributesWithParent
	needReset    bool
	cursor       *derive.PipelineCursor

	halted  chan struct{}
	haltErr error

	metrics Metrics
	log     log.Logger

	wg gosync.WaitGroup

	driverCtx    context.Context
	driverCancel context.CancelFunc
}

// LoadCursor makes the first reset of the driver restore the pipeline buffers from c.
// It must be called before Start.
func (s *Driver) LoadCursor(c *derive.PipelineCursor) {
	s.cursor = c
}

// Start starts up the state loop.
// The loop will have been started if err is nil.
func (s *Driver) Start() error {
	s.log.Info("Starting driver", "step_timeout", s.driverConfig.StepTimeout, "restore_cursor", s.cursor != nil)
	s.wg.Add(1)
	go s.eventLoop()
	return nil
}

func (s *Driver) Close() error {
	s.driverCancel()
	s.wg.Wait()
	return nil
}

// Done is closed when the driver halted on a critical error.
func (s *Driver) Done() <-chan struct{} {
	return s.halted
}

// Err is the critical error the driver halted on. Only valid after Done is closed.
func (s *Driver) Err() error {
	select {
	case <-s.halted:
		return s.haltErr
	default:
		return nil
	}
}

// OnL1Head signals the driver that the L1 chain changed the "unsafe" block,
// also known as head of the chain, or "latest".
func (s *Driver) OnL1Head(ctx context.Context, unsafe eth.L1BlockRef) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.l1HeadSig <- unsafe:
		return nil
	}
}

// OnL1Safe signals the driver that the L1 chain changed the "safe",
// also known as the justified checkpoint (as seen on L1 beacon-chain).
func (s *Driver) OnL1Safe(ctx context.Context, safe eth.L1BlockRef) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.l1SafeSig <- safe:
		return nil
	}
}

func (s *Driver) OnL1Finalized(ctx context.Context, finalized eth.L1BlockRef) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.l1FinalizedSig <- finalized:
		return nil
	}
}

func (s *Driver) eventLoop() {
	defer s.wg.Done()
	s.log.Info("State loop started")
	defer s.log.Info("State loop returned")

	defer s.driverCancel()

	// stepReqCh is used to request that the driver attempts to step forward by one L1 block.
	stepReqCh := make(chan struct{}, 1)

	// channel, nil by default (not firing), but used to schedule re-attempts with delay
	var delayedStepReq <-chan time.Time

	// keep track of consecutive failed attempts, to adjust the backoff time accordingly
	bOffStrategy := retry.Exponential()
	stepAttempts := 0

	// step requests a derivation step to be taken. Won't deadlock if the channel is full.
	reqStep := func() {
		select {
		case stepReqCh <- struct{}{}:
		// Don't deadlock if the channel is already full
		default:
		}
	}

	// We call reqStep right away to finish syncing to the tip of the chain if we're behind.
	// reqStep will also be triggered when the L1 head moves forward or if there was a reorg on the
	// L1 chain and we need to rewind.
	reqStep()

	for {
		if s.driverCtx.Err() != nil { // don't try to schedule/handle more work when we are closing.
			return
		}

		select {
		case newL1Head := <-s.l1HeadSig:
			s.statusTracker.OnL1Unsafe(newL1Head)
			reqStep() // a new L1 head may mean we have the data to not get an EOF again.
		case newL1Safe := <-s.l1SafeSig:
			s.statusTracker.OnL1Safe(newL1Safe)
		case newL1Finalized := <-s.l1FinalizedSig:
			s.statusTracker.OnL1Finalized(newL1Finalized)
			s.finalizer.onL1Finalized(newL1Finalized)
			reqStep() // we may be able to mark more L2 data as finalized now
		case <-delayedStepReq:
			delayedStepReq = nil
			reqStep()
		case <-stepReqCh:
			s.log.Debug("Sync process step", "onto_origin", s.derivation.Origin(), "attempts", stepAttempts)
			err := s.step()
			if err != nil && s.driverCtx.Err() != nil {
				return
			}
			switch {
			case err == nil || errors.Is(err, derive.NotEnoughData):
				// make progress without waiting
				stepAttempts = 0
				bOffStrategy.Reset()
				reqStep()
			case errors.Is(err, io.EOF):
				s.log.Debug("Derivation process went idle", "progress", s.derivation.Origin())
				stepAttempts = 0
				bOffStrategy.Reset()
				// the next step is requested by the next L1 head signal
			case errors.Is(err, derive.ErrCritical):
				s.log.Error("Derivation process critical error", "err", err)
				s.halt(err)
				return
			case errors.Is(err, derive.ErrReset):
				s.log.Warn("Derivation pipeline is reset", "err", err)
				s.metrics.RecordPipelineReset()
				s.needReset = true
				stepAttempts += 1
				delayedStepReq = time.After(bOffStrategy.NextBackOff())
			default:
				if errors.Is(err, derive.ErrTemporary) {
					s.log.Warn("Derivation process temporary error", "attempts", stepAttempts, "err", err)
				} else {
					s.log.Error("Derivation process error", "attempts", stepAttempts, "err", err)
				}
				s.metrics.RecordDerivationError()
				stepAttempts += 1
				delayedStepReq = time.After(bOffStrategy.NextBackOff())
			}
		case respCh := <-s.stateReq:
			respCh <- struct{}{}
		case respCh := <-s.forceReset:
			s.log.Warn("Derivation pipeline is manually reset")
			s.needReset = true
			s.metrics.RecordPipelineReset()
			close(respCh)
			reqStep()
		case <-s.driverCtx.Done():
			return
		}
	}
}

func (s *Driver) step() error {
	ctx, cancel := context.WithTimeout(s.driverCtx, s.driverConfig.StepTimeout)
	defer cancel()
	err := s.syncStep(ctx)
	s.statusTracker.OnDerivationOrigin(s.derivation.Origin())
	s.statusTracker.OnL2Heads(s.engine)
	return err
}

// syncStep applies at most one set of attributes to the engine.
func (s *Driver) syncStep(ctx context.Context) error {
	if s.needReset {
		if err := s.reset(ctx); err != nil {
			return err
		}
		s.needReset = false
	}

	s.finalizer.tryFinalize(s.engine)
	if err := s.engine.TryUpdateEngine(ctx); err != nil && !errors.Is(err, engine.ErrNoFCUNeeded) {
		return err
	}

	if s.pendingAttrs == nil {
		attrs, err := s.derivation.Step(ctx, s.engine.PendingSafeL2Head())
		if err != nil {
			return err
		}
		s.pendingAttrs = attrs
	}

	attrs := s.pendingAttrs
	if err := s.engine.InsertAttributes(ctx, attrs); err != nil {
		if !errors.Is(err, derive.ErrTemporary) {
			// attributes that caused a reset or halt are not retried
			s.pendingAttrs = nil
		}
		return err
	}
	s.pendingAttrs = nil
	if attrs.Concluding {
		s.finalizer.onDerivedSafeBlock(s.engine.SafeL2Head(), attrs.DerivedFrom)
	}
	return nil
}

// reset reloads the engine heads, rewinds the safe head onto the canonical L1 chain and resets
// the pipeline on top of it. The first reset restores the loaded cursor instead, if any.
func (s *Driver) reset(ctx context.Context) error {
	if err := s.engine.Reset(ctx); err != nil {
		return err
	}
	safe, err := s.findCanonicalSafeHead(ctx, s.engine.SafeL2Head(), s.engine.Finalized())
	if err != nil {
		return err
	}
	if safe != s.engine.SafeL2Head() {
		s.log.Warn("Rewinding safe head onto the canonical L1 chain", "old", s.engine.SafeL2Head(), "new", safe)
		s.engine.SetSafeHead(safe)
		s.engine.SetPendingSafeL2Head(safe)
	}
	s.pendingAttrs = nil
	s.finalizer.onReset()
	s.statusTracker.OnReset()

	if c := s.cursor; c != nil {
		s.cursor = nil
		if err := s.derivation.RestoreCursor(ctx, c, safe); err == nil {
			s.log.Info("Restored derivation pipeline from cursor", "origin", c.Origin, "safe_head", safe)
			return nil
		} else {
			s.log.Warn("Cannot restore derivation pipeline from cursor, resetting instead", "err", err)
		}
	}
	s.derivation.Reset()
	return nil
}

// ResetDerivationPipeline forces a reset of the derivation pipeline.
// It waits for the reset to occur. It simply unblocks the caller rather
// than fully cancelling the reset request upon a context cancellation.
func (s *Driver) ResetDerivationPipeline(ctx context.Context) error {
	respCh := make(chan struct{}, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.forceReset <- respCh:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-respCh:
			return nil
		}
	}
}

// SyncStatus returns the current sync status, and the L1 and L2 block references.
func (s *Driver) SyncStatus(ctx context.Context) (*eth.SyncStatus, error) {
	return s.statusTracker.SyncStatus(), nil
}

// BlockRefWithStatus blocks the driver event loop and captures the syncing status,
// along with an L2 block reference by number consistent with that same status.
// If the event loop is too busy and the context expires, a context error is returned.
func (s *Driver) BlockRefWithStatus(ctx context.Context, num uint64) (eth.L2BlockRef, *eth.SyncStatus, error) {
	resp := s.statusTracker.SyncStatus()
	if resp.FinalizedL2.Number >= num { // If finalized, we are certain it does not reorg, and don't have to lock.
		ref, err := s.l2.L2BlockRefByNumber(ctx, num)
		return ref, resp, err
	}
	wait := make(chan struct{})
	select {
	case s.stateReq <- wait:
		resp := s.statusTracker.SyncStatus()
		ref, err := s.l2.L2BlockRefByNumber(ctx, num)
		<-wait
		return ref, resp, err
	case <-ctx.Done():
		return eth.L2BlockRef{}, nil, ctx.Err()
	}
}

// Cursor snapshots the pipeline on top of the safe head. It must only be called after Close.
// A span batch that is partially applied cannot be snapshotted.
func (s *Driver) Cursor() (*derive.PipelineCursor, error) {
	if s.driverCtx.Err() == nil {
		return nil, errors.New("driver is still running")
	}
	if s.needReset {
		return nil, errors.New("driver is resetting")
	}
	safe := s.engine.SafeL2Head()
	if pending := s.engine.PendingSafeL2Head(); pending != safe {
		return nil, fmt.Errorf("span batch in progress, pending safe head %s is ahead of safe head %s", pending, safe)
	}
	if s.pendingAttrs != nil {
		return nil, errors.New("derived attributes are not applied yet")
	}
	return s.derivation.Cursor(safe)
}

func (s *Driver) halt(err error) {
	s.haltErr = err
	close(s.halted)
}
