package sources

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/retry"
)

// L1Source is everything the node reads from L1.
type L1Source interface {
	L1BlockRefByLabel(ctx context.Context, label eth.BlockLabel) (eth.L1BlockRef, error)
	L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error)
	L1BlockRefByHash(ctx context.Context, hash common.Hash) (eth.L1BlockRef, error)
	InfoByHash(ctx context.Context, hash common.Hash) (eth.BlockInfo, error)
	InfoAndTxsByHash(ctx context.Context, hash common.Hash) (eth.BlockInfo, types.Transactions, error)
	FetchReceipts(ctx context.Context, blockHash common.Hash) (eth.BlockInfo, types.Receipts, error)
}

var _ L1Source = (*L1Client)(nil)

// RetryingL1Source retries failed L1 requests with backoff. A block that does not exist is
// reported right away, the caller decides when to look again.
type RetryingL1Source struct {
	logger      log.Logger
	source      L1Source
	maxAttempts int
	strategy    func() retry.Strategy
}

func NewRetryingL1Source(logger log.Logger, source L1Source, maxAttempts int) *RetryingL1Source {
	return &RetryingL1Source{
		logger:      logger,
		source:      source,
		maxAttempts: maxAttempts,
		strategy:    retry.Exponential,
	}
}

func retryL1[T any](s *RetryingL1Source, ctx context.Context, what string, op func() (T, error)) (T, error) {
	return retry.Do(ctx, s.maxAttempts, s.strategy(), func() (T, error) {
		res, err := op()
		if errors.Is(err, ethereum.NotFound) {
			return res, retry.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("Failed to fetch L1 data, retrying", "what", what, "err", err)
		}
		return res, err
	})
}

func (s *RetryingL1Source) L1BlockRefByLabel(ctx context.Context, label eth.BlockLabel) (eth.L1BlockRef, error) {
	return retryL1(s, ctx, "block ref by label", func() (eth.L1BlockRef, error) {
		return s.source.L1BlockRefByLabel(ctx, label)
	})
}

func (s *RetryingL1Source) L1BlockRefByNumber(ctx context.Context, num uint64) (eth.L1BlockRef, error) {
	return retryL1(s, ctx, "block ref by number", func() (eth.L1BlockRef, error) {
		return s.source.L1BlockRefByNumber(ctx, num)
	})
}

func (s *RetryingL1Source) L1BlockRefByHash(ctx context.Context, hash common.Hash) (eth.L1BlockRef, error) {
	return retryL1(s, ctx, "block ref by hash", func() (eth.L1BlockRef, error) {
		return s.source.L1BlockRefByHash(ctx, hash)
	})
}

func (s *RetryingL1Source) InfoByHash(ctx context.Context, hash common.Hash) (eth.BlockInfo, error) {
	return retryL1(s, ctx, "info by hash", func() (eth.BlockInfo, error) {
		return s.source.InfoByHash(ctx, hash)
	})
}

type infoAndTxs struct {
	info eth.BlockInfo
	txs  types.Transactions
}

func (s *RetryingL1Source) InfoAndTxsByHash(ctx context.Context, hash common.Hash) (eth.BlockInfo, types.Transactions, error) {
	res, err := retryL1(s, ctx, "transactions", func() (infoAndTxs, error) {
		info, txs, err := s.source.InfoAndTxsByHash(ctx, hash)
		return infoAndTxs{info, txs}, err
	})
	return res.info, res.txs, err
}

type infoAndReceipts struct {
	info     eth.BlockInfo
	receipts types.Receipts
}

func (s *RetryingL1Source) FetchReceipts(ctx context.Context, blockHash common.Hash) (eth.BlockInfo, types.Receipts, error) {
	res, err := retryL1(s, ctx, "receipts", func() (infoAndReceipts, error) {
		info, receipts, err := s.source.FetchReceipts(ctx, blockHash)
		return infoAndReceipts{info, receipts}, err
	})
	return res.info, res.receipts, err
}
