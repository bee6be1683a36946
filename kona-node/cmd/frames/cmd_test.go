package frames

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
)

func TestEncodeFrames(t *testing.T) {
	cfg := &rollup.Config{
		BlockTime: 2,
		L1ChainID: big.NewInt(1),
		L2ChainID: big.NewInt(10),
	}
	batches := make([]InputBatch, 0, 20)
	for i := 0; i < 20; i++ {
		batches = append(batches, InputBatch{
			ParentHash:   common.Hash{byte(i)},
			EpochNum:     hexutil.Uint64(100 + i/6),
			EpochHash:    common.Hash{0xee, byte(i / 6)},
			Timestamp:    hexutil.Uint64(1000 + 2*i),
			Transactions: []hexutil.Bytes{common.Hash{byte(i), 1}.Bytes(), common.Hash{byte(i), 2}.Bytes()},
		})
	}

	for _, algo := range []derive.CompressionAlgo{derive.Zlib, derive.Brotli} {
		t.Run(string(algo), func(t *testing.T) {
			payloads, err := EncodeFrames(cfg, batches, algo, 100)
			require.NoError(t, err)
			require.Greater(t, len(payloads), 1, "small frames split the channel")

			var id derive.ChannelID
			for i, p := range payloads {
				require.LessOrEqual(t, len(p), 101)
				frames, err := derive.ParseFrames(p)
				require.NoError(t, err)
				require.Len(t, frames, 1)
				f := frames[0]
				if i == 0 {
					id = f.ID
				}
				require.Equal(t, id, f.ID)
				require.Equal(t, uint16(i), f.FrameNumber)
				require.Equal(t, i == len(payloads)-1, f.IsLast)
			}
		})
	}

	_, err := EncodeFrames(cfg, nil, derive.Zlib, 100)
	require.Error(t, err)
	_, err = EncodeFrames(cfg, batches, derive.CompressionAlgo("lz4"), 100)
	require.Error(t, err)
}
