package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-node/metrics"
	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-node/rollup/engine"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testlog"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

type stepResult struct {
	attrs *derive.AttributesWithParent
	err   error
}

type fakePipeline struct {
	mu sync.Mutex

	script   []stepResult
	steps    int
	resets   int
	origin   eth.L1BlockRef
	restored *derive.PipelineCursor
	// error returned by RestoreCursor
	restoreErr error
}

func (p *fakePipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func (p *fakePipeline) Step(ctx context.Context, pendingSafeHead eth.L2BlockRef) (*derive.AttributesWithParent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps++
	if len(p.script) == 0 {
		return nil, io.EOF
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next.attrs, next.err
}

func (p *fakePipeline) Origin() eth.L1BlockRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.origin
}

func (p *fakePipeline) DerivationReady() bool { return true }

func (p *fakePipeline) Cursor(safeHead eth.L2BlockRef) (*derive.PipelineCursor, error) {
	return &derive.PipelineCursor{Version: derive.PipelineCursorVersion, Origin: p.origin, SafeHead: safeHead}, nil
}

func (p *fakePipeline) RestoreCursor(ctx context.Context, c *derive.PipelineCursor, safeHead eth.L2BlockRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restoreErr != nil {
		return p.restoreErr
	}
	p.restored = c
	return nil
}

func (p *fakePipeline) counts() (steps, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps, p.resets
}

type fakeEngine struct {
	mu sync.Mutex

	// heads loaded on Reset
	loaded eth.L2BlockRef

	unsafe, pendingSafe, safe, finalized eth.L2BlockRef

	inserted   []*derive.AttributesWithParent
	insertErrs []error
}

func (e *fakeEngine) UnsafeL2Head() eth.L2BlockRef      { e.mu.Lock(); defer e.mu.Unlock(); return e.unsafe }
func (e *fakeEngine) PendingSafeL2Head() eth.L2BlockRef { e.mu.Lock(); defer e.mu.Unlock(); return e.pendingSafe }
func (e *fakeEngine) SafeL2Head() eth.L2BlockRef        { e.mu.Lock(); defer e.mu.Unlock(); return e.safe }
func (e *fakeEngine) Finalized() eth.L2BlockRef         { e.mu.Lock(); defer e.mu.Unlock(); return e.finalized }

func (e *fakeEngine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsafe, e.pendingSafe, e.safe, e.finalized = e.loaded, e.loaded, e.loaded, e.loaded
	return nil
}

func (e *fakeEngine) SetSafeHead(r eth.L2BlockRef) { e.mu.Lock(); defer e.mu.Unlock(); e.safe = r }
func (e *fakeEngine) SetPendingSafeL2Head(r eth.L2BlockRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingSafe = r
}
func (e *fakeEngine) SetFinalizedHead(r eth.L2BlockRef) { e.mu.Lock(); defer e.mu.Unlock(); e.finalized = r }

func (e *fakeEngine) InsertAttributes(ctx context.Context, attrs *derive.AttributesWithParent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inserted = append(e.inserted, attrs)
	if len(e.insertErrs) > 0 {
		err := e.insertErrs[0]
		e.insertErrs = e.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	ref := childOf(attrs.Parent, attrs.DerivedFrom.ID())
	e.unsafe = ref
	e.pendingSafe = ref
	if attrs.Concluding {
		e.safe = ref
	}
	return nil
}

func (e *fakeEngine) TryUpdateEngine(ctx context.Context) error { return engine.ErrNoFCUNeeded }

func (e *fakeEngine) insertedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inserted)
}

func childOf(parent eth.L2BlockRef, origin eth.BlockID) eth.L2BlockRef {
	return eth.L2BlockRef{
		Hash:       crypto.Keccak256Hash(parent.Hash[:], origin.Hash[:]),
		Number:     parent.Number + 1,
		ParentHash: parent.Hash,
		Time:       parent.Time + 2,
		L1Origin:   origin,
	}
}

type fakeL1 struct {
	canonical map[uint64]eth.L1BlockRef
}

func (f *fakeL1) L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error) {
	ref, ok := f.canonical[num]
	if !ok {
		return eth.L1BlockRef{}, ethereum.NotFound
	}
	return ref, nil
}

type fakeL2 struct {
	blocks map[common.Hash]eth.L2BlockRef
}

func (f *fakeL2) L2BlockRefByHash(ctx context.Context, l2Hash common.Hash) (eth.L2BlockRef, error) {
	ref, ok := f.blocks[l2Hash]
	if !ok {
		return eth.L2BlockRef{}, ethereum.NotFound
	}
	return ref, nil
}

func (f *fakeL2) L2BlockRefByNumber(ctx context.Context, num uint64) (eth.L2BlockRef, error) {
	for _, ref := range f.blocks {
		if ref.Number == num {
			return ref, nil
		}
	}
	return eth.L2BlockRef{}, ethereum.NotFound
}

type driverTest struct {
	driver   *Driver
	pipeline *fakePipeline
	engine   *fakeEngine
	l1       *fakeL1
	l2       *fakeL2
	safe     eth.L2BlockRef
	origin   eth.L1BlockRef
}

func newDriverTest(t *testing.T) *driverTest {
	rng := rand.New(rand.NewSource(1234))
	origin := testutils.RandomBlockRef(rng)
	origin.Number = 500
	safe := testutils.RandomL2BlockRef(rng)
	safe.Number = 1000
	safe.L1Origin = origin.ID()
	safe.Time = 10_000

	cfg := &rollup.Config{BlockTime: 2}
	cfg.Genesis.L2 = eth.BlockID{Hash: testutils.RandomHash(rng), Number: 0}

	dt := &driverTest{
		pipeline: &fakePipeline{origin: origin},
		engine:   &fakeEngine{loaded: safe},
		l1:       &fakeL1{canonical: map[uint64]eth.L1BlockRef{origin.Number: origin}},
		l2:       &fakeL2{blocks: map[common.Hash]eth.L2BlockRef{safe.Hash: safe}},
		safe:     safe,
		origin:   origin,
	}
	dt.driver = NewDriver(&Config{StepTimeout: 5 * time.Second}, cfg, dt.l1, dt.l2, dt.pipeline, dt.engine,
		testlog.Logger(t, slog.LevelDebug), metrics.NoopMetrics)
	return dt
}

func (dt *driverTest) attrs(parent eth.L2BlockRef, concluding bool) *derive.AttributesWithParent {
	return &derive.AttributesWithParent{
		Attributes:  &eth.PayloadAttributes{Timestamp: eth.Uint64Quantity(parent.Time + 2)},
		Parent:      parent,
		Concluding:  concluding,
		DerivedFrom: dt.origin,
	}
}

func TestDriverInsertsDerivedAttributes(t *testing.T) {
	dt := newDriverTest(t)
	first := dt.attrs(dt.safe, false)
	second := dt.attrs(childOf(dt.safe, dt.origin.ID()), true)
	dt.pipeline.script = []stepResult{
		{err: derive.NotEnoughData},
		{attrs: first},
		{attrs: second},
	}
	require.NoError(t, dt.driver.Start())
	defer dt.driver.Close()

	require.Eventually(t, func() bool { return dt.engine.insertedCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	expected := childOf(childOf(dt.safe, dt.origin.ID()), dt.origin.ID())
	require.Eventually(t, func() bool {
		status, err := dt.driver.SyncStatus(context.Background())
		require.NoError(t, err)
		return status.SafeL2 == expected && status.CurrentL1 == dt.origin
	}, 5*time.Second, 10*time.Millisecond)

	_, resets := dt.pipeline.counts()
	require.Equal(t, 1, resets, "startup resets the pipeline once")
}

func TestDriverRetriesTemporaryInsertError(t *testing.T) {
	dt := newDriverTest(t)
	attrs := dt.attrs(dt.safe, true)
	dt.pipeline.script = []stepResult{{attrs: attrs}}
	dt.engine.insertErrs = []error{derive.NewTemporaryError(errors.New("engine unavailable"))}
	require.NoError(t, dt.driver.Start())
	defer dt.driver.Close()

	require.Eventually(t, func() bool { return dt.engine.insertedCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	dt.engine.mu.Lock()
	require.Same(t, dt.engine.inserted[0], dt.engine.inserted[1], "the same attributes are retried")
	dt.engine.mu.Unlock()
	require.Equal(t, childOf(dt.safe, dt.origin.ID()), dt.engine.SafeL2Head())
}

func TestDriverHaltsOnCriticalError(t *testing.T) {
	dt := newDriverTest(t)
	dt.pipeline.script = []stepResult{{err: derive.NewCriticalError(errors.New("bad deposit log"))}}
	require.NoError(t, dt.driver.Start())
	defer dt.driver.Close()

	select {
	case <-dt.driver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not halt")
	}
	require.ErrorIs(t, dt.driver.Err(), derive.ErrCritical)
}

func TestDriverResetsOnResetError(t *testing.T) {
	dt := newDriverTest(t)
	dt.pipeline.script = []stepResult{{err: derive.NewResetError(errors.New("reorg"))}}
	require.NoError(t, dt.driver.Start())
	defer dt.driver.Close()

	require.Eventually(t, func() bool {
		_, resets := dt.pipeline.counts()
		return resets == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDriverManualReset(t *testing.T) {
	dt := newDriverTest(t)
	require.NoError(t, dt.driver.Start())
	defer dt.driver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dt.driver.ResetDerivationPipeline(ctx))
	require.Eventually(t, func() bool {
		_, resets := dt.pipeline.counts()
		return resets == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDriverWakesOnL1Head(t *testing.T) {
	dt := newDriverTest(t)
	require.NoError(t, dt.driver.Start())
	defer dt.driver.Close()

	// idle after the first step
	require.Eventually(t, func() bool {
		steps, _ := dt.pipeline.counts()
		return steps >= 1
	}, 5*time.Second, 10*time.Millisecond)
	before, _ := dt.pipeline.counts()

	head := testutils.NextRandomRef(rand.New(rand.NewSource(5)), dt.origin)
	require.NoError(t, dt.driver.OnL1Head(context.Background(), head))
	require.Eventually(t, func() bool {
		steps, _ := dt.pipeline.counts()
		return steps > before
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status, _ := dt.driver.SyncStatus(context.Background())
		return status.HeadL1 == head
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDriverCursor(t *testing.T) {
	t.Run("RestoredOnStart", func(t *testing.T) {
		dt := newDriverTest(t)
		c := &derive.PipelineCursor{Version: derive.PipelineCursorVersion, Origin: dt.origin, SafeHead: dt.safe}
		dt.driver.LoadCursor(c)
		require.NoError(t, dt.driver.Start())
		require.Eventually(t, func() bool {
			dt.pipeline.mu.Lock()
			defer dt.pipeline.mu.Unlock()
			return dt.pipeline.restored == c
		}, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, dt.driver.Close())
		_, resets := dt.pipeline.counts()
		require.Zero(t, resets)

		out, err := dt.driver.Cursor()
		require.NoError(t, err)
		require.Equal(t, dt.safe, out.SafeHead)
	})
	t.Run("MismatchFallsBackToReset", func(t *testing.T) {
		dt := newDriverTest(t)
		dt.pipeline.restoreErr = derive.ErrCursorMismatch
		dt.driver.LoadCursor(&derive.PipelineCursor{Version: derive.PipelineCursorVersion})
		require.NoError(t, dt.driver.Start())
		require.Eventually(t, func() bool {
			_, resets := dt.pipeline.counts()
			return resets == 1
		}, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, dt.driver.Close())
	})
	t.Run("NotWhileRunning", func(t *testing.T) {
		dt := newDriverTest(t)
		require.NoError(t, dt.driver.Start())
		_, err := dt.driver.Cursor()
		require.Error(t, err)
		require.NoError(t, dt.driver.Close())
	})
}

func TestFindCanonicalSafeHead(t *testing.T) {
	dt := newDriverTest(t)
	rng := rand.New(rand.NewSource(99))

	// L2 blocks 1..3 on canonical origins, 4 and 5 on an L1 block that was reorged out
	finalized := dt.safe
	canonicalOrigin := testutils.NextRandomRef(rng, dt.origin)
	dt.l1.canonical[canonicalOrigin.Number] = canonicalOrigin
	orphanOrigin := testutils.NextRandomRef(rng, canonicalOrigin)
	replacement := testutils.NextRandomRef(rng, canonicalOrigin)
	dt.l1.canonical[replacement.Number] = replacement

	chain := []eth.L2BlockRef{finalized}
	for i := 1; i <= 5; i++ {
		origin := canonicalOrigin.ID()
		if i >= 4 {
			origin = orphanOrigin.ID()
		}
		next := childOf(chain[i-1], origin)
		chain = append(chain, next)
		dt.l2.blocks[next.Hash] = next
	}

	got, err := dt.driver.findCanonicalSafeHead(context.Background(), chain[5], finalized)
	require.NoError(t, err)
	require.Equal(t, chain[3], got)

	got, err = dt.driver.findCanonicalSafeHead(context.Background(), chain[3], finalized)
	require.NoError(t, err)
	require.Equal(t, chain[3], got, "canonical safe head is kept")

	_, err = dt.driver.findCanonicalSafeHead(context.Background(), chain[5], chain[4])
	require.ErrorIs(t, err, ReorgFinalizedErr)
	require.ErrorIs(t, err, derive.ErrCritical)
}

func TestFinalizer(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	fi := newFinalizer(testlog.Logger(t, slog.LevelDebug))
	eng := &fakeEngine{}

	l1a := testutils.RandomBlockRef(rng)
	l1a.Number = 100
	l1b := testutils.NextRandomRef(rng, l1a)
	l1c := testutils.NextRandomRef(rng, l1b)
	l2a := testutils.RandomL2BlockRef(rng)
	l2a.Number, l2a.Time = 200, 5000
	l2b := testutils.NextRandomL2Ref(rng, 2, l2a, l1b.ID())
	l2c := testutils.NextRandomL2Ref(rng, 2, l2b, l1c.ID())

	fi.onDerivedSafeBlock(l2a, l1a)
	fi.onDerivedSafeBlock(l2b, l1b)
	fi.onDerivedSafeBlock(l2c, l1c)

	fi.tryFinalize(eng)
	require.Zero(t, eng.Finalized(), "nothing is finalized without L1 finality")

	fi.onL1Finalized(l1b)
	fi.tryFinalize(eng)
	require.Equal(t, l2b, eng.Finalized())

	fi.onL1Finalized(l1a)
	fi.tryFinalize(eng)
	require.Equal(t, l2b, eng.Finalized(), "older L1 finality is ignored")

	fi.onReset()
	fi.onL1Finalized(l1c)
	fi.tryFinalize(eng)
	require.Equal(t, l2b, eng.Finalized(), "relations are dropped on reset")
}
