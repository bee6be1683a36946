package testutils

import (
	"github.com/succinctlabs/kona/kona-service/eth"
)

// TestDerivationMetrics implements the metrics used in the derivation pipeline as no-op operations.
// Optionally a test may hook into the metrics.
type TestDerivationMetrics struct {
	FnRecordL1ReorgDepth      func(d uint64)
	FnRecordL1Ref             func(name string, ref eth.L1BlockRef)
	FnRecordL2Ref             func(name string, ref eth.L2BlockRef)
	FnRecordChannelTimedOut   func()
	FnRecordFrame             func()
	FnRecordDerivedBatches    func(batchType string)
	FnRecordPipelineReset     func()
	FnRecordChannelInputBytes func(int)
}

func (t *TestDerivationMetrics) RecordL1ReorgDepth(d uint64) {
	if t.FnRecordL1ReorgDepth != nil {
		t.FnRecordL1ReorgDepth(d)
	}
}

func (t *TestDerivationMetrics) RecordL1Ref(name string, ref eth.L1BlockRef) {
	if t.FnRecordL1Ref != nil {
		t.FnRecordL1Ref(name, ref)
	}
}

func (t *TestDerivationMetrics) RecordL2Ref(name string, ref eth.L2BlockRef) {
	if t.FnRecordL2Ref != nil {
		t.FnRecordL2Ref(name, ref)
	}
}

func (t *TestDerivationMetrics) RecordChannelInputBytes(inputCompressedBytes int) {
	if t.FnRecordChannelInputBytes != nil {
		t.FnRecordChannelInputBytes(inputCompressedBytes)
	}
}

func (t *TestDerivationMetrics) RecordHeadChannelOpened() {
}

func (t *TestDerivationMetrics) RecordChannelTimedOut() {
	if t.FnRecordChannelTimedOut != nil {
		t.FnRecordChannelTimedOut()
	}
}

func (t *TestDerivationMetrics) RecordFrame() {
	if t.FnRecordFrame != nil {
		t.FnRecordFrame()
	}
}

func (t *TestDerivationMetrics) RecordDerivedBatches(batchType string) {
	if t.FnRecordDerivedBatches != nil {
		t.FnRecordDerivedBatches(batchType)
	}
}

func (t *TestDerivationMetrics) SetDerivationIdle(idle bool) {}

func (t *TestDerivationMetrics) RecordPipelineReset() {
	if t.FnRecordPipelineReset != nil {
		t.FnRecordPipelineReset()
	}
}
