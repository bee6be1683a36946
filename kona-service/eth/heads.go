package eth

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// HeadSignalFn receives every new L1 head observed by a watcher.
type HeadSignalFn func(ctx context.Context, sig L1BlockRef)

type NewHeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// WatchHeadChanges feeds the heads of a websocket new-head subscription into fn.
// ctx only bounds the creation of the subscription.
func WatchHeadChanges(ctx context.Context, src NewHeadSource, fn HeadSignalFn) (ethereum.Subscription, error) {
	headChanges := make(chan *types.Header, 10)
	sub, err := src.SubscribeNewHead(ctx, headChanges)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		eventsCtx, eventsCancel := context.WithCancel(context.Background())
		defer sub.Unsubscribe()
		defer eventsCancel()
		go cancelOnQuit(quit, eventsCtx, eventsCancel)

		for {
			select {
			case header := <-headChanges:
				fn(eventsCtx, L1BlockRef{
					Hash:       header.Hash(),
					Number:     header.Number.Uint64(),
					ParentHash: header.ParentHash,
					Time:       header.Time,
				})
			case <-eventsCtx.Done():
				return nil
			case err := <-sub.Err():
				return err
			}
		}
	}), nil
}

type L1BlockRefsSource interface {
	L1BlockRefByLabel(ctx context.Context, label BlockLabel) (L1BlockRef, error)
}

// PollBlockChanges polls the L1 block with the given label every interval, each request bounded
// by timeout. fn may block, which back-pressures the polling.
// 轮询失败只记录警告，不会终止订阅。
func PollBlockChanges(log log.Logger, src L1BlockRefsSource, fn HeadSignalFn,
	label BlockLabel, interval time.Duration, timeout time.Duration) ethereum.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		if interval <= 0 {
			log.Warn("polling of block is disabled", "interval", interval, "label", label)
			<-quit
			return nil
		}
		eventsCtx, eventsCancel := context.WithCancel(context.Background())
		defer eventsCancel()
		go cancelOnQuit(quit, eventsCtx, eventsCancel)

		var last L1BlockRef
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reqCtx, reqCancel := context.WithTimeout(eventsCtx, timeout)
				ref, err := src.L1BlockRefByLabel(reqCtx, label)
				reqCancel()
				if err != nil {
					log.Warn("failed to poll L1 block", "label", label, "err", err)
					continue
				}
				// 只在区块变化时回调
				if ref == last {
					continue
				}
				last = ref
				fn(eventsCtx, ref)
			case <-eventsCtx.Done():
				return nil
			}
		}
	})
}

// cancelOnQuit closes the events ctx when the subscription is unsubscribed, so a running fn can
// observe the quit signal.
func cancelOnQuit(quit <-chan struct{}, ctx context.Context, cancel context.CancelFunc) {
	select {
	case <-quit:
		cancel()
	case <-ctx.Done():
	}
}
