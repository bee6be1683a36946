package derive

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// count the tagging info as 200 in terms of buffer size.
const frameOverhead = 200

// frameSize calculates the size of the frame + overhead for storing the frame.
func frameSize(frame Frame) uint64 {
	return uint64(len(frame.Data)) + frameOverhead
}

// DerivationVersion0 is the only known version byte of batcher transaction payloads.
const DerivationVersion0 = 0

// MaxSpanBatchElementCount bounds the number of L2 blocks and transactions a span batch may claim.
const MaxSpanBatchElementCount = 10_000_000

// ChannelIDLength defines the length of the channel IDs
const ChannelIDLength = 16

// ChannelID is an opaque identifier for a channel. It is 128 bits to be globally unique.
type ChannelID [ChannelIDLength]byte

func (id ChannelID) String() string {
	return hex.EncodeToString(id[:])
}

// TerminalString implements log.TerminalStringer, formatting a string for console output during logging.
func (id ChannelID) TerminalString() string {
	return fmt.Sprintf("%x..%x", id[:3], id[13:])
}

func (id ChannelID) MarshalText() ([]byte, error) {
	return hexutil.Bytes(id[:]).MarshalText()
}

func (id *ChannelID) UnmarshalText(text []byte) error {
	return hexutil.UnmarshalFixedText("ChannelID", text, id[:])
}

// Less orders channel ids bytewise.
func (id ChannelID) Less(other ChannelID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
