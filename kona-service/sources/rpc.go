package sources

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/succinctlabs/kona/kona-service/retry"
)

// RPC is the part of an RPC client the sources use. *rpc.Client implements it.
type RPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

var _ RPC = (*rpc.Client)(nil)

// DialRPC connects to the given endpoint, retrying with backoff up to maxAttempts times.
func DialRPC(ctx context.Context, log log.Logger, addr string, maxAttempts int, opts ...rpc.ClientOption) (*rpc.Client, error) {
	cl, err := retry.Do(ctx, maxAttempts, retry.Exponential(), func() (*rpc.Client, error) {
		cl, err := rpc.DialOptions(ctx, addr, opts...)
		if err != nil {
			log.Warn("failed to dial RPC endpoint, retrying", "addr", addr, "err", err)
			return nil, err
		}
		return cl, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return cl, nil
}
