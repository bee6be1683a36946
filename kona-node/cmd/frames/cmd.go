package frames

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/succinctlabs/kona/kona-node/chaincfg"
	"github.com/succinctlabs/kona/kona-node/flags"
	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-node/rollup/derive"
)

// InputBatch is the JSON form of a singular batch accepted by encode-frames.
type InputBatch struct {
	ParentHash   common.Hash     `json:"parentHash"`
	EpochNum     hexutil.Uint64  `json:"epochNum"`
	EpochHash    common.Hash     `json:"epochHash"`
	Timestamp    hexutil.Uint64  `json:"timestamp"`
	Transactions []hexutil.Bytes `json:"transactions"`
}

var (
	InFlag = &cli.StringFlag{
		Name:     "in",
		Usage:    "JSON file with the list of batches to encode",
		Required: true,
	}
	CompressionFlag = &cli.StringFlag{
		Name:  "compression",
		Usage: "Channel compression, 'zlib' or 'brotli'",
		Value: string(derive.Zlib),
	}
	MaxFrameSizeFlag = &cli.Uint64Flag{
		Name:  "max-frame-size",
		Usage: "Maximum size of a single frame, including the frame overhead",
		Value: 120_000,
	}
)

// Subcommands encodes batches into batcher transaction payloads, useful to craft test inputs
// for the derivation pipeline.
var Subcommands = []*cli.Command{
	{
		Name:  "encode",
		Usage: "Encodes batches into a channel and prints one batcher transaction payload per frame",
		Flags: []cli.Flag{InFlag, CompressionFlag, MaxFrameSizeFlag, flags.RollupConfig},
		Action: func(ctx *cli.Context) error {
			path := ctx.String(flags.RollupConfig.Name)
			if path == "" {
				return errors.New("must specify a rollup config")
			}
			cfg, err := chaincfg.LoadRollupConfig(path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(ctx.String(InFlag.Name))
			if err != nil {
				return fmt.Errorf("failed to read batches: %w", err)
			}
			var batches []InputBatch
			if err := json.Unmarshal(data, &batches); err != nil {
				return fmt.Errorf("failed to decode batches: %w", err)
			}
			algo := derive.CompressionAlgo(ctx.String(CompressionFlag.Name))
			payloads, err := EncodeFrames(cfg, batches, algo, ctx.Uint64(MaxFrameSizeFlag.Name))
			if err != nil {
				return err
			}
			for _, p := range payloads {
				fmt.Fprintln(ctx.App.Writer, hexutil.Encode(p))
			}
			return nil
		},
	},
}

// EncodeFrames puts all batches into a single channel and returns the batcher payload of every frame.
func EncodeFrames(cfg *rollup.Config, batches []InputBatch, algo derive.CompressionAlgo, maxFrameSize uint64) ([][]byte, error) {
	if len(batches) == 0 {
		return nil, errors.New("no batches to encode")
	}
	spec := rollup.NewChainSpec(cfg)
	last := uint64(batches[len(batches)-1].Timestamp)
	co, err := derive.NewChannelOut(algo, spec.MaxRLPBytesPerChannel(last))
	if err != nil {
		return nil, err
	}
	for i, b := range batches {
		batch := &derive.SingularBatch{
			ParentHash:   b.ParentHash,
			EpochNum:     rollup.Epoch(b.EpochNum),
			EpochHash:    b.EpochHash,
			Timestamp:    uint64(b.Timestamp),
			Transactions: b.Transactions,
		}
		if err := co.AddBatch(batch); err != nil {
			return nil, fmt.Errorf("failed to add batch %d: %w", i, err)
		}
	}
	frames, err := co.FramesOf(maxFrameSize)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		p, err := derive.BatcherPayload(f)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
