package driver

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-node/rollup/status"
	"github.com/succinctlabs/kona/kona-service/eth"
)

type Metrics interface {
	RecordPipelineReset()
	RecordDerivationError()

	status.Metrics
}

type L1Chain interface {
	L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error)
}

type L2Chain interface {
	L2BlockRefByHash(ctx context.Context, l2Hash common.Hash) (eth.L2BlockRef, error)
	L2BlockRefByNumber(ctx context.Context, num uint64) (eth.L2BlockRef, error)
}

type DerivationPipeline interface {
	Reset()
	Step(ctx context.Context, pendingSafeHead eth.L2BlockRef) (*derive.AttributesWithParent, error)
	Origin() eth.L1BlockRef
	DerivationReady() bool
	Cursor(safeHead eth.L2BlockRef) (*derive.PipelineCursor, error)
	RestoreCursor(ctx context.Context, c *derive.PipelineCursor, safeHead eth.L2BlockRef) error
}

type EngineController interface {
	status.L2Heads
	Reset(ctx context.Context) error
	SetSafeHead(eth.L2BlockRef)
	SetPendingSafeL2Head(eth.L2BlockRef)
	SetFinalizedHead(eth.L2BlockRef)
	InsertAttributes(ctx context.Context, attrs *derive.AttributesWithParent) error
	TryUpdateEngine(ctx context.Context) error
}

type Config struct {
	// StepTimeout bounds a single derivation step, including the engine calls it makes.
	StepTimeout time.Duration `json:"step_timeout"`
}

// NewDriver composes an events handler that tracks L1 state and drives derived L2 blocks into the engine.
func NewDriver(
	driverCfg *Config,
	cfg *rollup.Config,
	l1 L1Chain,
	l2 L2Chain,
	derivation DerivationPipeline,
	engine EngineController,
	log log.Logger,
	metrics Metrics,
) *Driver {
	driverCtx, driverCancel := context.WithCancel(context.Background())
	return &Driver{
		statusTracker:  status.NewStatusTracker(log, metrics),
		finalizer:      newFinalizer(log),
		derivation:     derivation,
		engine:         engine,
		l1:             l1,
		l2:             l2,
		driverConfig:   driverCfg,
		cfg:            cfg,
		metrics:        metrics,
		log:            log,
		stateReq:       make(chan chan struct{}),
		forceReset:     make(chan chan struct{}, 10),
		l1HeadSig:      make(chan eth.L1BlockRef, 10),
		l1SafeSig:      make(chan eth.L1BlockRef, 10),
		l1FinalizedSig: make(chan eth.L1BlockRef, 10),
		halted:         make(chan struct{}),
		needReset:      true,
		driverCtx:      driverCtx,
		driverCancel:   driverCancel,
	}
}
