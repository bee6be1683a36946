package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	gethnode "github.com/ethereum/go-ethereum/node"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-multierror"

	"github.com/succinctlabs/kona/kona-node/metrics"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-node/rollup/driver"
	"github.com/succinctlabs/kona/kona-node/rollup/engine"
	"github.com/succinctlabs/kona/kona-service/eth"
	opmetrics "github.com/succinctlabs/kona/kona-service/metrics"
	"github.com/succinctlabs/kona/kona-service/sources"
)

var ErrAlreadyClosed = errors.New("node is already closed")

// number of attempts to connect to an endpoint on startup
const dialAttempts = 10

type KonaNode struct {
	cfg        *Config
	log        log.Logger
	appVersion string
	metrics    *metrics.Metrics

	l1HeadsSub     ethereum.Subscription // Subscription to get L1 heads (polling)
	l1SafeSub      ethereum.Subscription // Subscription to get L1 safe blocks, a.k.a. justified data (polling)
	l1FinalizedSub ethereum.Subscription // Subscription to get L1 finalized blocks (polling)

	l1Source   *sources.L1Client            // L1 Client to fetch data from
	l1Prefetch *sources.PrefetchingL1Source // may be nil if prefetching is disabled
	l1Fetcher  derive.L1Fetcher             // the L1 source the pipeline reads from
	beacon     *sources.L1BeaconClient      // may be nil pre-Ecotone

	l2Source *sources.EngineClient // L2 Execution Engine RPC bindings
	engine   *engine.EngineController
	pipeline *derive.DerivationPipeline
	l2Driver *driver.Driver // L2 Engine to Sync
	tracer   Tracer         // tracer to get events for testing/debugging

	metricsSrv *opmetrics.HTTPServer

	closed atomic.Bool
}

// New creates a new KonaNode instance.
// The provided ctx argument is for the span of initialization only;
// the node will immediately Stop(ctx) before finishing initialization if the context is canceled during initialization.
func New(ctx context.Context, cfg *Config, log log.Logger, appVersion string, m *metrics.Metrics) (*KonaNode, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	n := &KonaNode{
		cfg:        cfg,
		log:        log,
		appVersion: appVersion,
		metrics:    m,
	}
	err := n.init(ctx, cfg)
	if err != nil {
		log.Error("Error initializing the rollup node", "err", err)
		// ensure we always close the node resources if we fail to initialize the node.
		if closeErr := n.Stop(ctx); closeErr != nil {
			return nil, multierror.Append(err, closeErr)
		}
		return nil, err
	}
	return n, nil
}

func (n *KonaNode) init(ctx context.Context, cfg *Config) error {
	n.log.Info("Initializing rollup node", "version", n.appVersion)
	n.initTracer(cfg)
	if err := n.initL1(ctx, cfg); err != nil {
		return fmt.Errorf("failed to init L1: %w", err)
	}
	if err := n.initL1BeaconAPI(ctx, cfg); err != nil {
		return err
	}
	if err := n.initL2(ctx, cfg); err != nil {
		return fmt.Errorf("failed to init L2: %w", err)
	}
	if err := n.initMetricsServer(cfg); err != nil {
		return fmt.Errorf("failed to init the metrics server: %w", err)
	}
	n.metrics.RecordInfo(n.appVersion)
	n.metrics.RecordUp()
	return nil
}

func (n *KonaNode) initTracer(cfg *Config) {
	if cfg.Tracer != nil {
		n.tracer = cfg.Tracer
	} else {
		n.tracer = new(noOpTracer)
	}
}

func (n *KonaNode) initL1(ctx context.Context, cfg *Config) error {
	l1Node, err := sources.DialRPC(ctx, n.log, cfg.L1.Addr, dialAttempts)
	if err != nil {
		return fmt.Errorf("failed to get L1 RPC client: %w", err)
	}
	if err := checkChainID(ctx, l1Node, cfg.Rollup.L1ChainID); err != nil {
		l1Node.Close()
		return fmt.Errorf("failed to validate the L1 config: %w", err)
	}

	n.l1Source, err = sources.NewL1Client(l1Node, n.log, sources.L1ClientDefaultConfig(&cfg.Rollup, cfg.L1.TrustRPC))
	if err != nil {
		l1Node.Close()
		return fmt.Errorf("failed to create L1 source: %w", err)
	}

	var fetcher sources.L1Source = sources.NewRetryingL1Source(n.log, n.l1Source, cfg.L1.MaxAttempts)
	if cfg.L1.PrefetchDepth > 0 {
		prefetchCfg := sources.DefaultPrefetchConfig()
		prefetchCfg.Depth = cfg.L1.PrefetchDepth
		prefetchCfg.Concurrency = cfg.L1.PrefetchConcurrency
		n.l1Prefetch = sources.NewPrefetchingL1Source(n.log, fetcher, prefetchCfg)
		fetcher = n.l1Prefetch
	}
	n.l1Fetcher = fetcher
	return nil
}

func (n *KonaNode) initL1BeaconAPI(ctx context.Context, cfg *Config) error {
	// If Ecotone upgrade is not scheduled yet, then there is no need for a Beacon API.
	if cfg.Rollup.EcotoneTime == nil {
		return nil
	}
	// Once the Ecotone upgrade is scheduled, we must have initialized the Beacon API settings.
	if cfg.Beacon == nil {
		return fmt.Errorf("missing L1 Beacon Endpoint configuration: this API is mandatory for Ecotone upgrade at t=%d", *cfg.Rollup.EcotoneTime)
	}

	n.beacon = sources.NewL1BeaconClient(n.log, cfg.Beacon.Addr, cfg.Beacon.Timeout)

	// Retry retrieval of the Beacon API version, to be more robust on startup against Beacon API connection issues.
	if _, err := n.beacon.GetTimeToSlotFn(ctx); err != nil {
		return fmt.Errorf("failed to check L1 Beacon API version: %w", err)
	}
	n.log.Info("Connected to L1 Beacon API, ready for EIP-4844 blobs retrieval.", "addr", cfg.Beacon.Addr)
	return nil
}

func (n *KonaNode) initL2(ctx context.Context, cfg *Config) error {
	auth := rpc.WithHTTPAuth(gethnode.NewJWTAuth(cfg.L2.JWTSecret))
	rpcClient, err := sources.DialRPC(ctx, n.log, cfg.L2.Addr, dialAttempts, auth)
	if err != nil {
		return fmt.Errorf("failed to setup L2 execution-engine RPC client: %w", err)
	}
	if err := checkChainID(ctx, rpcClient, cfg.Rollup.L2ChainID); err != nil {
		rpcClient.Close()
		return fmt.Errorf("failed to validate the L2 config: %w", err)
	}
	n.l2Source, err = sources.NewEngineClient(rpcClient, n.log, sources.EngineClientDefaultConfig(&cfg.Rollup))
	if err != nil {
		rpcClient.Close()
		return fmt.Errorf("failed to create Engine client: %w", err)
	}

	// an untyped nil keeps blob data sources disabled pre-Ecotone
	var blobs derive.L1BlobsFetcher
	if n.beacon != nil {
		blobs = n.beacon
	}
	n.pipeline = derive.NewDerivationPipeline(n.log, &cfg.Rollup, n.l1Fetcher, blobs, n.l2Source, n.metrics)
	n.engine = engine.NewEngineController(n.l2Source, n.log, n.metrics, &cfg.Rollup)
	n.l2Driver = driver.NewDriver(&cfg.Driver, &cfg.Rollup, n.l1Fetcher, n.l2Source, n.pipeline, n.engine, n.log, n.metrics)
	return nil
}

func (n *KonaNode) initMetricsServer(cfg *Config) error {
	if !cfg.Metrics.Enabled {
		n.log.Info("metrics disabled")
		return nil
	}
	n.log.Debug("starting metrics server", "addr", cfg.Metrics.ListenAddr, "port", cfg.Metrics.ListenPort)
	metricsSrv, err := opmetrics.StartServer(n.metrics.Registry(), cfg.Metrics.ListenAddr, cfg.Metrics.ListenPort)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	n.log.Info("started metrics server", "addr", metricsSrv.Addr())
	n.metricsSrv = metricsSrv
	return nil
}

// checkChainID verifies that the endpoint serves the expected chain.
func checkChainID(ctx context.Context, client sources.RPC, expected *big.Int) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var id hexutil.Big
	if err := client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if (*big.Int)(&id).Cmp(expected) != 0 {
		return fmt.Errorf("incorrect chain ID: configured %d, got %d", expected, (*big.Int)(&id))
	}
	return nil
}

func (n *KonaNode) Start(ctx context.Context) error {
	if path := n.cfg.CursorPath; path != "" {
		c, err := readCursor(path)
		if err != nil {
			n.log.Warn("Ignoring unreadable derivation cursor", "path", path, "err", err)
		} else if c != nil {
			n.log.Info("Loaded derivation cursor", "path", path, "origin", c.Origin, "safe_head", c.SafeHead)
			n.l2Driver.LoadCursor(c)
		}
		// the cursor is only valid for the run it was written by
		if err := removeCursor(path); err != nil {
			return err
		}
	}

	n.log.Info("Starting execution engine driver")
	// start driving engine: sync blocks by deriving them from L1 and driving them into the engine
	if err := n.l2Driver.Start(); err != nil {
		n.log.Error("Could not start a rollup node", "err", err)
		return err
	}

	// Poll for the safe L1 block and finalized block,
	// which only change once per epoch at most and may be delayed.
	n.l1HeadsSub = eth.PollBlockChanges(n.log, n.l1Source, n.OnNewL1Head, eth.Unsafe,
		n.cfg.L1.HTTPPollInterval, time.Second*10)
	n.l1SafeSub = eth.PollBlockChanges(n.log, n.l1Source, n.OnNewL1Safe, eth.Safe,
		n.cfg.L1EpochPollInterval, time.Second*10)
	n.l1FinalizedSub = eth.PollBlockChanges(n.log, n.l1Source, n.OnNewL1Finalized, eth.Finalized,
		n.cfg.L1EpochPollInterval, time.Second*10)
	n.log.Info("Rollup node started")
	return nil
}

func (n *KonaNode) OnNewL1Head(ctx context.Context, sig eth.L1BlockRef) {
	n.tracer.OnNewL1Head(ctx, sig)

	if n.l2Driver == nil {
		return
	}
	// Pass on the event to the L2 Engine
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()
	if err := n.l2Driver.OnL1Head(ctx, sig); err != nil {
		n.log.Warn("failed to notify engine driver of L1 head change", "err", err)
	}
}

func (n *KonaNode) OnNewL1Safe(ctx context.Context, sig eth.L1BlockRef) {
	if n.l2Driver == nil {
		return
	}
	// Pass on the event to the L2 Engine
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()
	if err := n.l2Driver.OnL1Safe(ctx, sig); err != nil {
		n.log.Warn("failed to notify engine driver of L1 safe block change", "err", err)
	}
}

func (n *KonaNode) OnNewL1Finalized(ctx context.Context, sig eth.L1BlockRef) {
	if n.l2Driver == nil {
		return
	}
	// Pass on the event to the L2 Engine
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()
	if err := n.l2Driver.OnL1Finalized(ctx, sig); err != nil {
		n.log.Warn("failed to notify engine driver of L1 finalized block change", "err", err)
	}
}

// Halted is closed when the driver stopped on a critical error.
func (n *KonaNode) Halted() <-chan struct{} {
	if n.l2Driver == nil {
		return nil
	}
	return n.l2Driver.Done()
}

// HaltErr is the critical error the node halted on, if any.
func (n *KonaNode) HaltErr() error {
	if n.l2Driver == nil {
		return nil
	}
	return n.l2Driver.Err()
}

func (n *KonaNode) SyncStatus(ctx context.Context) (*eth.SyncStatus, error) {
	return n.l2Driver.SyncStatus(ctx)
}

func (n *KonaNode) Stop(ctx context.Context) error {
	if n.closed.Load() {
		return ErrAlreadyClosed
	}

	var result *multierror.Error

	if n.l1HeadsSub != nil {
		n.l1HeadsSub.Unsubscribe()
	}
	if n.l1SafeSub != nil {
		n.l1SafeSub.Unsubscribe()
	}
	if n.l1FinalizedSub != nil {
		n.l1FinalizedSub.Unsubscribe()
	}

	if n.l2Driver != nil {
		if err := n.l2Driver.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close L2 engine driver cleanly: %w", err))
		}
		if err := n.persistCursor(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if n.l1Prefetch != nil {
		n.l1Prefetch.Close()
	}

	if n.l2Source != nil {
		n.l2Source.Close()
	}

	if n.l1Source != nil {
		n.l1Source.Close()
	}

	if result == nil { // mark as closed if we successfully fully closed
		n.closed.Store(true)
	}

	if n.metricsSrv != nil {
		if err := n.metricsSrv.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close metrics server: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// persistCursor writes the derivation cursor of the stopped driver, if enabled.
func (n *KonaNode) persistCursor() error {
	path := n.cfg.CursorPath
	if path == "" {
		return nil
	}
	c, err := n.l2Driver.Cursor()
	if err != nil {
		// the next start resets the pipeline instead
		n.log.Warn("Not persisting derivation cursor", "err", err)
		return nil
	}
	if err := writeCursor(path, c); err != nil {
		return fmt.Errorf("failed to persist derivation cursor: %w", err)
	}
	n.log.Info("Persisted derivation cursor", "path", path, "origin", c.Origin, "safe_head", c.SafeHead)
	n.tracer.OnCursorPersisted(c)
	return nil
}

func (n *KonaNode) Stopped() bool {
	return n.closed.Load()
}
