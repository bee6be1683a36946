package rollup

type ForkName string

const (
	Bedrock  ForkName = "bedrock"
	Regolith ForkName = "regolith"
	Canyon   ForkName = "canyon"
	Delta    ForkName = "delta"
	Ecotone  ForkName = "ecotone"
	Fjord    ForkName = "fjord"
	Granite  ForkName = "granite"
	Holocene ForkName = "holocene"
	None     ForkName = ""
)

// Protocol-wide bounds that change with network upgrades rather than per chain.
const (
	maxChannelBankSizeBedrock    = 100_000_000
	maxChannelBankSizeFjord      = 1_000_000_000
	maxRLPBytesPerChannelBedrock = 10_000_000
	maxRLPBytesPerChannelFjord   = 100_000_000
	channelTimeoutGranite        = 50
	maxSequencerDriftFjord       = 1800
)

// ChainSpec instructs the derivation which consensus bound applies at a given time.
type ChainSpec struct {
	config *Config
}

func NewChainSpec(config *Config) *ChainSpec {
	return &ChainSpec{config: config}
}

func (s *ChainSpec) Config() *Config {
	return s.config
}

// MaxChannelBankSize returns the maximum number of bytes that can be buffered inside the channel
// assembler before pruning occurs at the given timestamp.
func (s *ChainSpec) MaxChannelBankSize(t uint64) uint64 {
	if s.config.IsFjord(t) {
		return maxChannelBankSizeFjord
	}
	return maxChannelBankSizeBedrock
}

// ChannelTimeout returns the channel timeout, in L1 blocks, that applies at the given timestamp.
func (s *ChainSpec) ChannelTimeout(t uint64) uint64 {
	if s.config.IsGranite(t) {
		return channelTimeoutGranite
	}
	return s.config.ChannelTimeoutBedrock
}

// MaxRLPBytesPerChannel returns the maximum amount of bytes that will be read from a channel at
// the given timestamp.
func (s *ChainSpec) MaxRLPBytesPerChannel(t uint64) uint64 {
	if s.config.IsFjord(t) {
		return maxRLPBytesPerChannelFjord
	}
	return maxRLPBytesPerChannelBedrock
}

// MaxSequencerDrift returns the maximum sequencer drift for the given block timestamp. Until Fjord,
// this was a rollup configuration parameter. Since Fjord, it is a constant.
func (s *ChainSpec) MaxSequencerDrift(t uint64) uint64 {
	if s.config.IsFjord(t) {
		return maxSequencerDriftFjord
	}
	return s.config.MaxSequencerDrift
}
