package sources

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/succinctlabs/kona/kona-service/eth"
)

// rpcHeader is a block header as served by eth_getBlockBy*, with the block hash claimed by the RPC.
type rpcHeader struct {
	Hash   common.Hash
	Header types.Header
}

func (h *rpcHeader) UnmarshalJSON(data []byte) error {
	var meta struct {
		Hash common.Hash `json:"hash"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &h.Header); err != nil {
		return fmt.Errorf("invalid block header: %w", err)
	}
	h.Hash = meta.Hash
	return nil
}

// checkHash verifies the claimed block hash against the header contents.
func (h *rpcHeader) checkHash() error {
	if computed := h.Header.Hash(); computed != h.Hash {
		return fmt.Errorf("failed to verify block hash: computed %s but RPC said %s", computed, h.Hash)
	}
	return nil
}

func (h *rpcHeader) Info(trustRPC bool) (eth.BlockInfo, error) {
	if !trustRPC {
		if err := h.checkHash(); err != nil {
			return nil, err
		}
	}
	return eth.HeaderBlockInfoTrusted(h.Hash, &h.Header), nil
}

// rpcBlock is a full block, served with hydrated transactions.
type rpcBlock struct {
	rpcHeader
	Transactions types.Transactions
	Withdrawals  *types.Withdrawals
}

func (b *rpcBlock) UnmarshalJSON(data []byte) error {
	if err := b.rpcHeader.UnmarshalJSON(data); err != nil {
		return err
	}
	var body struct {
		Transactions []*types.Transaction `json:"transactions"`
		Withdrawals  *types.Withdrawals   `json:"withdrawals,omitempty"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("invalid block body: %w", err)
	}
	b.Transactions = body.Transactions
	b.Withdrawals = body.Withdrawals
	return nil
}

func (b *rpcBlock) verify() error {
	if err := b.checkHash(); err != nil {
		return err
	}
	if computed := types.DeriveSha(b.Transactions, trie.NewStackTrie(nil)); computed != b.Header.TxHash {
		return fmt.Errorf("failed to verify transactions list: computed %s, expected %s", computed, b.Header.TxHash)
	}
	if b.Header.WithdrawalsHash != nil {
		if b.Withdrawals == nil {
			return fmt.Errorf("expected withdrawals in block %s", b.Hash)
		}
		if computed := types.DeriveSha(*b.Withdrawals, trie.NewStackTrie(nil)); computed != *b.Header.WithdrawalsHash {
			return fmt.Errorf("failed to verify withdrawals list: computed %s, expected %s", computed, *b.Header.WithdrawalsHash)
		}
	}
	return nil
}

// ExecutionPayloadEnvelope converts the block into the engine API representation.
func (b *rpcBlock) ExecutionPayloadEnvelope(trustRPC bool) (*eth.ExecutionPayloadEnvelope, error) {
	if !trustRPC {
		if err := b.verify(); err != nil {
			return nil, err
		}
	}
	h := &b.Header
	txs, err := eth.EncodeTransactions(b.Transactions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transactions of block %s: %w", b.Hash, err)
	}
	payload := &eth.ExecutionPayload{
		ParentHash:    h.ParentHash,
		FeeRecipient:  h.Coinbase,
		StateRoot:     eth.Bytes32(h.Root),
		ReceiptsRoot:  eth.Bytes32(h.ReceiptHash),
		LogsBloom:     h.Bloom[:],
		PrevRandao:    eth.Bytes32(h.MixDigest),
		BlockNumber:   eth.Uint64Quantity(h.Number.Uint64()),
		GasLimit:      eth.Uint64Quantity(h.GasLimit),
		GasUsed:       eth.Uint64Quantity(h.GasUsed),
		Timestamp:     eth.Uint64Quantity(h.Time),
		ExtraData:     hexutil.Bytes(h.Extra),
		BaseFeePerGas: (*hexutil.Big)(h.BaseFee),
		BlockHash:     b.Hash,
		Transactions:  txs,
		Withdrawals:   b.Withdrawals,
		BlobGasUsed:   (*eth.Uint64Quantity)(h.BlobGasUsed),
		ExcessBlobGas: (*eth.Uint64Quantity)(h.ExcessBlobGas),
	}
	return &eth.ExecutionPayloadEnvelope{
		ParentBeaconBlockRoot: h.ParentBeaconRoot,
		ExecutionPayload:      payload,
	}, nil
}

func isNullResult(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
