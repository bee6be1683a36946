package node

import (
	"context"

	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-service/eth"
)

// Tracer configures the KonaNode to share events
type Tracer interface {
	OnNewL1Head(ctx context.Context, sig eth.L1BlockRef)
	// OnCursorPersisted is called after the derivation cursor was written on shutdown
	OnCursorPersisted(c *derive.PipelineCursor)
}

type noOpTracer struct{}

func (n noOpTracer) OnNewL1Head(ctx context.Context, sig eth.L1BlockRef) {}

func (n noOpTracer) OnCursorPersisted(c *derive.PipelineCursor) {}

var _ Tracer = (*noOpTracer)(nil)
