package sources

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/succinctlabs/kona/kona-service/eth"
)

type PrefetchConfig struct {
	// Depth is the number of L1 blocks fetched ahead of the latest requested number.
	Depth uint64
	// Concurrency bounds the number of blocks fetched at the same time.
	Concurrency int
	// CacheSize is the number of blocks kept after being prefetched.
	CacheSize int
	// Timeout bounds the fetching of a single block.
	Timeout time.Duration
}

func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{Depth: 8, Concurrency: 4, CacheSize: 64, Timeout: 20 * time.Second}
}

// PrefetchingL1Source fetches the transactions and receipts of the L1 blocks following the last
// requested block number in the background. The traversal asks for blocks by number and reads
// the same block by hash right after, which then is served from memory.
type PrefetchingL1Source struct {
	L1Source
	log log.Logger
	cfg PrefetchConfig

	txs      *lru.Cache[common.Hash, infoAndTxs]
	receipts *lru.Cache[common.Hash, infoAndReceipts]

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu sync.Mutex
	// highest block number scheduled for prefetching
	scheduled uint64
}

func NewPrefetchingL1Source(log log.Logger, src L1Source, cfg PrefetchConfig) *PrefetchingL1Source {
	txs, _ := lru.New[common.Hash, infoAndTxs](max(cfg.CacheSize, 1))
	receipts, _ := lru.New[common.Hash, infoAndReceipts](max(cfg.CacheSize, 1))
	ctx, cancel := context.WithCancel(context.Background())
	p := &PrefetchingL1Source{
		L1Source: src,
		log:      log,
		cfg:      cfg,
		txs:      txs,
		receipts: receipts,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.group.SetLimit(max(cfg.Concurrency, 1))
	return p
}

func (p *PrefetchingL1Source) L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error) {
	ref, err := p.L1Source.L1BlockRefByNumber(ctx, num)
	if err != nil {
		return ref, err
	}
	p.schedule(num)
	return ref, nil
}

func (p *PrefetchingL1Source) schedule(num uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	// 低于已调度高度说明发生了回滚，从头调度
	if num+p.cfg.Depth < p.scheduled {
		p.scheduled = num
	}
	next := max(p.scheduled+1, num+1)
	for ; next <= num+p.cfg.Depth; next++ {
		n := next
		if !p.group.TryGo(func() error {
			p.prefetch(n)
			return nil
		}) {
			// all workers busy, pick up from here on the next request
			break
		}
		p.scheduled = n
	}
}

func (p *PrefetchingL1Source) prefetch(num uint64) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()
	ref, err := p.L1Source.L1BlockRefByNumber(ctx, num)
	if err != nil {
		p.log.Debug("Stopped prefetching L1 block", "number", num, "err", err)
		return
	}
	if info, txs, err := p.L1Source.InfoAndTxsByHash(ctx, ref.Hash); err == nil {
		p.txs.Add(ref.Hash, infoAndTxs{info, txs})
	} else {
		p.log.Debug("Failed to prefetch L1 transactions", "block", ref, "err", err)
	}
	if info, receipts, err := p.L1Source.FetchReceipts(ctx, ref.Hash); err == nil {
		p.receipts.Add(ref.Hash, infoAndReceipts{info, receipts})
	} else {
		p.log.Debug("Failed to prefetch L1 receipts", "block", ref, "err", err)
	}
}

func (p *PrefetchingL1Source) InfoAndTxsByHash(ctx context.Context, hash common.Hash) (eth.BlockInfo, types.Transactions, error) {
	if res, ok := p.txs.Get(hash); ok {
		return res.info, res.txs, nil
	}
	return p.L1Source.InfoAndTxsByHash(ctx, hash)
}

func (p *PrefetchingL1Source) FetchReceipts(ctx context.Context, blockHash common.Hash) (eth.BlockInfo, types.Receipts, error) {
	if res, ok := p.receipts.Get(blockHash); ok {
		return res.info, res.receipts, nil
	}
	return p.L1Source.FetchReceipts(ctx, blockHash)
}

// Close stops prefetching and waits for the running fetches to return.
func (p *PrefetchingL1Source) Close() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	_ = p.group.Wait()
}
