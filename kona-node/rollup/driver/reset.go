package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"

	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-service/eth"
)

var (
	ReorgFinalizedErr = errors.New("cannot reorg finalized block")
	WrongChainErr     = errors.New("wrong chain")
)

// findCanonicalSafeHead walks back from safe until it finds an L2 block whose L1 origin is part
// of the canonical L1 chain. The finalized block is never walked past.
func (s *Driver) findCanonicalSafeHead(ctx context.Context, safe eth.L2BlockRef, finalized eth.L2BlockRef) (eth.L2BlockRef, error) {
	n := safe
	for {
		if n.Number == s.cfg.Genesis.L2.Number && n.Hash != s.cfg.Genesis.L2.Hash {
			return eth.L2BlockRef{}, derive.NewCriticalError(fmt.Errorf("%w L2: genesis: %s, got %s", WrongChainErr, s.cfg.Genesis.L2, n))
		}
		canonical, err := s.l1.L1BlockRefByNumber(ctx, n.L1Origin.Number)
		if errors.Is(err, ethereum.NotFound) {
			// L1 reorged to a shorter chain, the origin is gone
			canonical = eth.L1BlockRef{}
		} else if err != nil {
			return eth.L2BlockRef{}, derive.NewTemporaryError(fmt.Errorf("failed to fetch L1 block %d: %w", n.L1Origin.Number, err))
		}
		if canonical.Hash == n.L1Origin.Hash {
			return n, nil
		}
		if n.Number <= finalized.Number {
			return eth.L2BlockRef{}, derive.NewCriticalError(fmt.Errorf("%w: finalized %s has non-canonical L1 origin %s", ReorgFinalizedErr, n, n.L1Origin))
		}
		s.log.Debug("Safe block has non-canonical L1 origin, walking back", "block", n, "origin", n.L1Origin, "canonical", canonical)
		parent, err := s.l2.L2BlockRefByHash(ctx, n.ParentHash)
		if err != nil {
			return eth.L2BlockRef{}, derive.NewTemporaryError(fmt.Errorf("failed to fetch L2 block by hash %v: %w", n.ParentHash, err))
		}
		n = parent
	}
}
