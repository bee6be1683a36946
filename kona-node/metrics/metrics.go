// Package metrics implements the prometheus metrics of the rollup node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/succinctlabs/kona/kona-node/rollup/derive"
	"github.com/succinctlabs/kona/kona-service/eth"
	opmetrics "github.com/succinctlabs/kona/kona-service/metrics"
)

const Namespace = "kona_node"

type Metricer interface {
	derive.Metrics

	RecordInfo(version string)
	RecordUp()
	RecordL1ReorgDepth(d uint64)
	RecordDerivationError()
	RecordSafeHeadUpdate()
}

// Metrics tracks all the metrics for the kona-node.
type Metrics struct {
	registry *prometheus.Registry

	Info *prometheus.GaugeVec
	Up   prometheus.Gauge

	PipelineResets   prometheus.Counter
	DerivationErrors prometheus.Counter
	DerivationIdle   prometheus.Gauge

	RefsNumber *prometheus.GaugeVec
	RefsTime   *prometheus.GaugeVec
	RefsL1Num  *prometheus.GaugeVec
	RefsSeqNr  *prometheus.GaugeVec

	L1ReorgDepth prometheus.Histogram

	ChannelInputBytes prometheus.Counter
	HeadChannelOpened prometheus.Counter
	ChannelTimedOut   prometheus.Counter
	FramesAdded       prometheus.Counter
	DerivedBatches    *prometheus.CounterVec
	SafeHeadUpdates   prometheus.Counter
}

var _ Metricer = (*Metrics)(nil)

// NewMetrics creates a new Metrics instance and registers it with a fresh registry.
func NewMetrics(procName string) *Metrics {
	if procName == "" {
		procName = "default"
	}
	ns := Namespace + "_" + procName
	registry := opmetrics.NewRegistry()

	m := &Metrics{
		registry: registry,
		Info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and config info",
		}, []string{"version"}),
		Up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "up",
			Help:      "1 if the node has finished starting up",
		}),
		PipelineResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "derivation",
			Name:      "resets_total",
			Help:      "Count of derivation pipeline resets",
		}),
		DerivationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "derivation",
			Name:      "errors_total",
			Help:      "Count of temporary derivation errors",
		}),
		DerivationIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "derivation",
			Name:      "idle",
			Help:      "1 if the derivation pipeline is waiting for more L1 data",
		}),
		RefsNumber: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "refs_number",
			Help:      "Gauge representing the different L1/L2 reference block numbers",
		}, []string{"layer", "type"}),
		RefsTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "refs_time",
			Help:      "Gauge representing the different L1/L2 reference block timestamps",
		}, []string{"layer", "type"}),
		RefsL1Num: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "refs_l1num",
			Help:      "Gauge representing the L1 origin number of the different L2 references",
		}, []string{"layer", "type"}),
		RefsSeqNr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "refs_seqnr",
			Help:      "Gauge representing the sequence number of the different L2 references",
		}, []string{"type"}),
		L1ReorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "l1_reorg_depth",
			Buckets:   []float64{0.5, 1.5, 2.5, 3.5, 4.5, 5.5, 6.5, 7.5, 8.5, 9.5, 10.5, 20.5, 50.5, 100.5},
			Help:      "Histogram of L1 reorg depths",
		}),
		ChannelInputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "channel_input_bytes",
			Help:      "Number of compressed bytes added to the channel",
		}),
		HeadChannelOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "head_channel_opened",
			Help:      "Counts the number of channels opened at the head of the channel assembler",
		}),
		ChannelTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "channel_timed_out",
			Help:      "Counts the number of timed out channels",
		}),
		FramesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_added",
			Help:      "Counts the number of frames added to the channel assembler",
		}),
		DerivedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "derived_batches",
			Help:      "Counts the number of batches derived, by batch type",
		}, []string{"type"}),
		SafeHeadUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "safe_head_updates",
			Help:      "Counts the number of safe head updates made by the engine",
		}),
	}
	registry.MustRegister(
		m.Info, m.Up,
		m.PipelineResets, m.DerivationErrors, m.DerivationIdle,
		m.RefsNumber, m.RefsTime, m.RefsL1Num, m.RefsSeqNr,
		m.L1ReorgDepth,
		m.ChannelInputBytes, m.HeadChannelOpened, m.ChannelTimedOut, m.FramesAdded,
		m.DerivedBatches, m.SafeHeadUpdates,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordInfo sets a pseudo-metric that contains versioning and config info.
func (m *Metrics) RecordInfo(version string) {
	m.Info.WithLabelValues(version).Set(1)
}

// RecordUp sets the up metric to 1.
func (m *Metrics) RecordUp() {
	m.Up.Set(1)
}

func (m *Metrics) recordRef(layer string, name string, num uint64, timestamp uint64) {
	m.RefsNumber.WithLabelValues(layer, name).Set(float64(num))
	if timestamp != 0 {
		m.RefsTime.WithLabelValues(layer, name).Set(float64(timestamp))
	}
}

func (m *Metrics) RecordL1Ref(name string, ref eth.L1BlockRef) {
	m.recordRef("l1", name, ref.Number, ref.Time)
}

func (m *Metrics) RecordL2Ref(name string, ref eth.L2BlockRef) {
	m.recordRef("l2", name, ref.Number, ref.Time)
	m.recordRef("l1_origin", name, ref.L1Origin.Number, 0)
	m.RefsL1Num.WithLabelValues("l2", name).Set(float64(ref.L1Origin.Number))
	m.RefsSeqNr.WithLabelValues(name).Set(float64(ref.SequenceNumber))
}

func (m *Metrics) RecordL1ReorgDepth(d uint64) {
	m.L1ReorgDepth.Observe(float64(d))
}

func (m *Metrics) RecordPipelineReset() {
	m.PipelineResets.Inc()
}

func (m *Metrics) RecordDerivationError() {
	m.DerivationErrors.Inc()
}

func (m *Metrics) SetDerivationIdle(idle bool) {
	var val float64
	if idle {
		val = 1
	}
	m.DerivationIdle.Set(val)
}

func (m *Metrics) RecordChannelInputBytes(inputCompressedBytes int) {
	m.ChannelInputBytes.Add(float64(inputCompressedBytes))
}

func (m *Metrics) RecordHeadChannelOpened() {
	m.HeadChannelOpened.Inc()
}

func (m *Metrics) RecordChannelTimedOut() {
	m.ChannelTimedOut.Inc()
}

func (m *Metrics) RecordFrame() {
	m.FramesAdded.Inc()
}

func (m *Metrics) RecordDerivedBatches(batchType string) {
	m.DerivedBatches.WithLabelValues(batchType).Inc()
}

func (m *Metrics) RecordSafeHeadUpdate() {
	m.SafeHeadUpdates.Inc()
}

type noopMetricer struct{}

// NoopMetrics discards every measurement.
var NoopMetrics Metricer = new(noopMetricer)

func (n *noopMetricer) RecordInfo(version string)                        {}
func (n *noopMetricer) RecordUp()                                        {}
func (n *noopMetricer) RecordL1Ref(name string, ref eth.L1BlockRef)      {}
func (n *noopMetricer) RecordL2Ref(name string, ref eth.L2BlockRef)      {}
func (n *noopMetricer) RecordL1ReorgDepth(d uint64)                      {}
func (n *noopMetricer) RecordPipelineReset()                             {}
func (n *noopMetricer) RecordDerivationError()                           {}
func (n *noopMetricer) SetDerivationIdle(idle bool)                      {}
func (n *noopMetricer) RecordChannelInputBytes(inputCompressedBytes int) {}
func (n *noopMetricer) RecordHeadChannelOpened()                         {}
func (n *noopMetricer) RecordChannelTimedOut()                           {}
func (n *noopMetricer) RecordFrame()                                     {}
func (n *noopMetricer) RecordDerivedBatches(batchType string)            {}
func (n *noopMetricer) RecordSafeHeadUpdate()                            {}
