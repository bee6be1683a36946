package derive

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testutils"
)

type frameValidityTC struct {
	name      string
	frames    []Frame
	shouldErr []bool
	sizes     []uint64
}

func (tc *frameValidityTC) Run(t *testing.T) {
	id := [16]byte{0xff}
	block := eth.L1BlockRef{}
	ch := NewChannel(id, block)

	if len(tc.frames) != len(tc.shouldErr) || len(tc.frames) != len(tc.sizes) {
		t.Errorf("lengths should be the same. frames: %d, shouldErr: %d, sizes: %d", len(tc.frames), len(tc.shouldErr), len(tc.sizes))
	}

	for i, frame := range tc.frames {
		err := ch.AddFrame(frame, block)
		if tc.shouldErr[i] {
			require.NotNil(t, err)
		} else {
			require.Nil(t, err)
		}
		require.Equal(t, tc.sizes[i], ch.Size())
	}
}

// TestFrameValidity inserts a list of frames into the channel. It checks if an error
// should be returned by `AddFrame` as well as the expected size of the channel.
func TestFrameValidity(t *testing.T) {
	id := [16]byte{0xff}
	testCases := []frameValidityTC{
		{
			name:      "wrong channel",
			frames:    []Frame{{ID: [16]byte{0xee}}},
			shouldErr: []bool{true},
			sizes:     []uint64{0},
		},
		{
			name: "identical duplicate frame",
			frames: []Frame{
				{ID: id, FrameNumber: 2, Data: []byte("four")},
				{ID: id, FrameNumber: 2, Data: []byte("four")},
			},
			shouldErr: []bool{false, true},
			sizes:     []uint64{204, 204},
		},
		{
			name: "conflicting frame",
			frames: []Frame{
				{ID: id, FrameNumber: 2, Data: []byte("four")},
				{ID: id, FrameNumber: 2, Data: []byte("five!")},
			},
			shouldErr: []bool{false, true},
			sizes:     []uint64{204, 204},
		},
		{
			name: "duplicate closing frames",
			frames: []Frame{
				{ID: id, FrameNumber: 2, IsLast: true, Data: []byte("four")},
				{ID: id, FrameNumber: 3, IsLast: true, Data: []byte("seven__")},
			},
			shouldErr: []bool{false, true},
			sizes:     []uint64{204, 204},
		},
		{
			name: "frame past closing",
			frames: []Frame{
				{ID: id, FrameNumber: 2, IsLast: true, Data: []byte("four")},
				{ID: id, FrameNumber: 10, Data: []byte("seven__")},
			},
			shouldErr: []bool{false, true},
			sizes:     []uint64{204, 204},
		},
		{
			name: "lower gap frame after closing",
			frames: []Frame{
				{ID: id, FrameNumber: 2, IsLast: true, Data: []byte("four")},
				{ID: id, FrameNumber: 0, Data: []byte("seven__")},
			},
			shouldErr: []bool{false, false},
			sizes:     []uint64{204, 411},
		},
		{
			name: "prune after close frame",
			frames: []Frame{
				{ID: id, FrameNumber: 10, IsLast: false, Data: []byte("seven__")},
				{ID: id, FrameNumber: 2, IsLast: true, Data: []byte("four")},
			},
			shouldErr: []bool{false, false},
			sizes:     []uint64{207, 204},
		},
		{
			name: "multiple valid frames",
			frames: []Frame{
				{ID: id, FrameNumber: 10, Data: []byte("seven__")},
				{ID: id, FrameNumber: 2, Data: []byte("four")},
			},
			shouldErr: []bool{false, false},
			sizes:     []uint64{207, 411},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, tc.Run)
	}
}

func TestChannelReadyAt(t *testing.T) {
	rng := rand.New(rand.NewSource(0x600))
	b1 := testutils.RandomBlockRef(rng)
	b2 := testutils.NextRandomRef(rng, b1)
	b3 := testutils.NextRandomRef(rng, b2)
	id := ChannelID{0x01}

	ch := NewChannel(id, b1)
	require.NoError(t, ch.AddFrame(Frame{ID: id, FrameNumber: 2, IsLast: true, Data: []byte("c")}, b1))
	require.False(t, ch.IsReady())
	require.NoError(t, ch.AddFrame(Frame{ID: id, FrameNumber: 0, Data: []byte("a")}, b2))
	require.False(t, ch.IsReady())
	require.NoError(t, ch.AddFrame(Frame{ID: id, FrameNumber: 1, Data: []byte("b")}, b3))
	require.True(t, ch.IsReady())
	require.Equal(t, b3, ch.ReadyAt())
	require.Equal(t, b3, ch.HighestBlock())
	require.Equal(t, b1.Number, ch.OpenBlockNumber())

	data, err := io.ReadAll(ch.Reader())
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), data)

	// a re-delivered frame neither changes the data nor the block the channel was completed in
	require.ErrorIs(t, ch.AddFrame(Frame{ID: id, FrameNumber: 0, Data: []byte("a")}, b3), ErrDuplicateFrame)
	require.Equal(t, b3, ch.ReadyAt())

	frames := ch.frames()
	require.Len(t, frames, 3)
	for i, f := range frames {
		require.Equal(t, uint16(i), f.FrameNumber)
	}
}
