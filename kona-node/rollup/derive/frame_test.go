package derive

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-service/testutils"
)

func randomFrame(rng *rand.Rand, id ChannelID, num uint16, size int, last bool) Frame {
	return Frame{
		ID:          id,
		FrameNumber: num,
		Data:        testutils.RandomData(rng, size),
		IsLast:      last,
	}
}

func TestFrameMarshaling(t *testing.T) {
	rng := rand.New(rand.NewSource(0x515))
	for i := 0; i < 16; i++ {
		var id ChannelID
		rng.Read(id[:])
		frame := randomFrame(rng, id, uint16(rng.Intn(1000)), rng.Intn(1000), testutils.RandomBool(rng))

		var buf bytes.Buffer
		require.NoError(t, frame.MarshalBinary(&buf))
		require.Equal(t, FrameV0OverHeadSize+len(frame.Data), buf.Len())

		var dec Frame
		require.NoError(t, dec.UnmarshalBinary(&buf))
		require.Equal(t, frame, dec)
	}
}

func TestFrameUnmarshalTruncated(t *testing.T) {
	rng := rand.New(rand.NewSource(0x516))
	frame := randomFrame(rng, ChannelID{1}, 3, 100, true)
	var buf bytes.Buffer
	require.NoError(t, frame.MarshalBinary(&buf))
	enc := buf.Bytes()

	var f Frame
	require.ErrorIs(t, f.UnmarshalBinary(bytes.NewBuffer(nil)), io.EOF)
	for _, cut := range []int{10, 17, 21, 40, len(enc) - 1} {
		err := f.UnmarshalBinary(bytes.NewBuffer(enc[:cut]))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut at %d", cut)
	}
}

func TestFrameUnmarshalInvalidIsLast(t *testing.T) {
	frame := Frame{ID: ChannelID{0xaa}, Data: []byte{1, 2, 3}}
	var buf bytes.Buffer
	require.NoError(t, frame.MarshalBinary(&buf))
	enc := buf.Bytes()
	enc[len(enc)-1] = 2

	var f Frame
	require.ErrorContains(t, f.UnmarshalBinary(bytes.NewBuffer(enc)), "invalid byte as is_last")
}

func TestFrameUnmarshalTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, ChannelIDLength))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint16(0)))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxFrameLen+1)))

	var f Frame
	require.ErrorContains(t, f.UnmarshalBinary(&buf), "frame_data_length is too large")
}

func TestParseFrames(t *testing.T) {
	rng := rand.New(rand.NewSource(0x517))
	frames := []Frame{
		randomFrame(rng, ChannelID{1}, 0, 20, false),
		randomFrame(rng, ChannelID{2}, 5, 0, true),
		randomFrame(rng, ChannelID{1}, 1, 300, true),
	}
	data := payloadOf(t, frames...)

	parsed, err := ParseFrames(data)
	require.NoError(t, err)
	require.Len(t, parsed, len(frames))
	for i := range frames {
		require.Equal(t, frames[i].ID, parsed[i].ID)
		require.Equal(t, frames[i].FrameNumber, parsed[i].FrameNumber)
		require.Equal(t, frames[i].IsLast, parsed[i].IsLast)
		require.Equal(t, len(frames[i].Data), len(parsed[i].Data))
		if len(frames[i].Data) > 0 {
			require.Equal(t, frames[i].Data, parsed[i].Data)
		}
	}
}

func TestParseFramesInvalid(t *testing.T) {
	rng := rand.New(rand.NewSource(0x518))
	valid := payloadOf(t, randomFrame(rng, ChannelID{1}, 0, 20, true))

	t.Run("empty", func(t *testing.T) {
		_, err := ParseFrames(nil)
		require.Error(t, err)
	})
	t.Run("only version", func(t *testing.T) {
		_, err := ParseFrames([]byte{DerivationVersion0})
		require.Error(t, err)
	})
	t.Run("unknown version", func(t *testing.T) {
		data := append([]byte{}, valid...)
		data[0] = 1
		_, err := ParseFrames(data)
		require.ErrorContains(t, err, "invalid derivation format byte")
	})
	t.Run("trailing bytes", func(t *testing.T) {
		data := append(append([]byte{}, valid...), 0x01, 0x02)
		_, err := ParseFrames(data)
		require.Error(t, err)
	})
	t.Run("truncated frame", func(t *testing.T) {
		_, err := ParseFrames(valid[:len(valid)-1])
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestChannelOutFrames(t *testing.T) {
	rng := rand.New(rand.NewSource(0x519))
	cfg := testConfig()
	seq := newTestSequencer(rng, cfg, genesisL2Ref(cfg))
	origin := testutils.RandomBlockRef(rng)

	co, err := NewChannelOut(Zlib, 10_000_000)
	require.NoError(t, err)
	var batches []*SingularBatch
	for i := 0; i < 4; i++ {
		b := seq.next(origin, 3)
		batches = append(batches, b)
		require.NoError(t, co.AddBatch(b))
	}
	require.Greater(t, co.InputBytes(), 0)

	frames, err := co.FramesOf(200)
	require.NoError(t, err)
	require.Greater(t, len(frames), 1)
	var data []byte
	for i, f := range frames {
		require.Equal(t, co.ID(), f.ID)
		require.Equal(t, uint16(i), f.FrameNumber)
		require.Equal(t, i == len(frames)-1, f.IsLast)
		require.LessOrEqual(t, len(f.Data), 200-FrameV0OverHeadSize)
		data = append(data, f.Data...)
	}

	require.ErrorIs(t, co.AddBatch(batches[0]), ErrChannelOutAlreadyClosed)

	datas, err := DecodeChannel(data, 10_000_000, false)
	require.NoError(t, err)
	require.Len(t, datas, len(batches))
	for i, bd := range datas {
		batch, err := BatchFromData(cfg, bd)
		require.NoError(t, err)
		require.Equal(t, batches[i], batch)
	}
}

func TestChannelOutRLPLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(0x51a))
	cfg := testConfig()
	seq := newTestSequencer(rng, cfg, genesisL2Ref(cfg))

	co, err := NewChannelOut(Zlib, 100)
	require.NoError(t, err)
	err = co.AddBatch(seq.next(testutils.RandomBlockRef(rng), 5))
	require.ErrorIs(t, err, ErrTooManyRLPBytes)
	require.Zero(t, co.InputBytes())
}

func TestChannelOutMinFrameSize(t *testing.T) {
	co, err := NewChannelOut(Zlib, 100)
	require.NoError(t, err)
	_, err = co.OutputFrame(new(bytes.Buffer), FrameV0OverHeadSize-1)
	require.Error(t, err)
}
