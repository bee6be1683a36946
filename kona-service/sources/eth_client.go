package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/trie"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/succinctlabs/kona/kona-service/eth"
)

type EthClientConfig struct {
	// Maximum number of blocks worth of receipts to cache
	ReceiptsCacheSize int
	// Maximum number of blocks worth of transactions to cache
	TransactionsCacheSize int
	// Maximum number of block headers to cache
	HeadersCacheSize int
	// Maximum number of payloads to cache
	PayloadsCacheSize int

	// If the RPC is untrusted, then we should not use cached information from responses,
	// and instead verify against the block-hash.
	TrustRPC bool
}

func (c *EthClientConfig) Check() error {
	if c.ReceiptsCacheSize < 1 {
		return fmt.Errorf("invalid receipts cache size: %d", c.ReceiptsCacheSize)
	}
	if c.TransactionsCacheSize < 1 {
		return fmt.Errorf("invalid transactions cache size: %d", c.TransactionsCacheSize)
	}
	if c.HeadersCacheSize < 1 {
		return fmt.Errorf("invalid headers cache size: %d", c.HeadersCacheSize)
	}
	if c.PayloadsCacheSize < 1 {
		return fmt.Errorf("invalid payloads cache size: %d", c.PayloadsCacheSize)
	}
	return nil
}

// EthClient retrieves ethereum data with optimized batch requests, cached results, and flag to not trust the RPC.
type EthClient struct {
	client RPC

	trustRPC bool

	log log.Logger

	// cache receipts in bundles per block hash
	receiptsCache *lru.Cache[common.Hash, types.Receipts]

	// cache transactions in bundles per block hash
	transactionsCache *lru.Cache[common.Hash, types.Transactions]

	// cache block headers of blocks by hash
	headersCache *lru.Cache[common.Hash, eth.BlockInfo]

	// cache payloads by hash
	payloadsCache *lru.Cache[common.Hash, *eth.ExecutionPayloadEnvelope]
}

// NewEthClient returns an EthClient, wrapping an RPC with bindings to fetch ethereum data with added error logging,
// metric tracking, and caching. The RPC wrapper is NOT closed on error.
func NewEthClient(client RPC, log log.Logger, config *EthClientConfig) (*EthClient, error) {
	if err := config.Check(); err != nil {
		return nil, fmt.Errorf("bad config, cannot create L1 source: %w", err)
	}
	receipts, _ := lru.New[common.Hash, types.Receipts](config.ReceiptsCacheSize)
	txs, _ := lru.New[common.Hash, types.Transactions](config.TransactionsCacheSize)
	headers, _ := lru.New[common.Hash, eth.BlockInfo](config.HeadersCacheSize)
	payloads, _ := lru.New[common.Hash, *eth.ExecutionPayloadEnvelope](config.PayloadsCacheSize)
	return &EthClient{
		client:            client,
		trustRPC:          config.TrustRPC,
		log:               log,
		receiptsCache:     receipts,
		transactionsCache: txs,
		headersCache:      headers,
		payloadsCache:     payloads,
	}, nil
}

func (s *EthClient) headerCall(ctx context.Context, method string, id any) (eth.BlockInfo, error) {
	var raw json.RawMessage
	if err := s.client.CallContext(ctx, &raw, method, id, false); err != nil {
		return nil, fmt.Errorf("failed to fetch header by %v: %w", id, err)
	}
	if isNullResult(raw) {
		return nil, ethereum.NotFound
	}
	var header rpcHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	info, err := header.Info(s.trustRPC)
	if err != nil {
		return nil, err
	}
	s.headersCache.Add(info.Hash(), info)
	return info, nil
}

func (s *EthClient) blockCall(ctx context.Context, method string, id any) (*rpcBlock, error) {
	var raw json.RawMessage
	if err := s.client.CallContext(ctx, &raw, method, id, true); err != nil {
		return nil, fmt.Errorf("failed to fetch block by %v: %w", id, err)
	}
	if isNullResult(raw) {
		return nil, ethereum.NotFound
	}
	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, err
	}
	if !s.trustRPC {
		if err := block.verify(); err != nil {
			return nil, err
		}
	}
	return &block, nil
}

func (s *EthClient) infoAndTxsCall(ctx context.Context, method string, id any) (eth.BlockInfo, types.Transactions, error) {
	block, err := s.blockCall(ctx, method, id)
	if err != nil {
		return nil, nil, err
	}
	// verified above
	info, _ := block.Info(true)
	s.headersCache.Add(info.Hash(), info)
	s.transactionsCache.Add(info.Hash(), block.Transactions)
	return info, block.Transactions, nil
}

func (s *EthClient) payloadCall(ctx context.Context, method string, id any) (*eth.ExecutionPayloadEnvelope, error) {
	block, err := s.blockCall(ctx, method, id)
	if err != nil {
		return nil, err
	}
	envelope, err := block.ExecutionPayloadEnvelope(true)
	if err != nil {
		return nil, err
	}
	s.payloadsCache.Add(block.Hash, envelope)
	return envelope, nil
}

func (s *EthClient) InfoByHash(ctx context.Context, hash common.Hash) (eth.BlockInfo, error) {
	if header, ok := s.headersCache.Get(hash); ok {
		return header, nil
	}
	return s.headerCall(ctx, "eth_getBlockByHash", hash)
}

func (s *EthClient) InfoByNumber(ctx context.Context, number uint64) (eth.BlockInfo, error) {
	// can't hit the cache when querying by number due to reorgs.
	return s.headerCall(ctx, "eth_getBlockByNumber", eth.BlockNumberArg(number))
}

func (s *EthClient) InfoByLabel(ctx context.Context, label eth.BlockLabel) (eth.BlockInfo, error) {
	// can't hit the cache when querying the head due to reorgs / changes.
	return s.headerCall(ctx, "eth_getBlockByNumber", label.Arg())
}

func (s *EthClient) InfoAndTxsByHash(ctx context.Context, hash common.Hash) (eth.BlockInfo, types.Transactions, error) {
	if header, ok := s.headersCache.Get(hash); ok {
		if txs, ok := s.transactionsCache.Get(hash); ok {
			return header, txs, nil
		}
	}
	return s.infoAndTxsCall(ctx, "eth_getBlockByHash", hash)
}

func (s *EthClient) InfoAndTxsByNumber(ctx context.Context, number uint64) (eth.BlockInfo, types.Transactions, error) {
	return s.infoAndTxsCall(ctx, "eth_getBlockByNumber", eth.BlockNumberArg(number))
}

func (s *EthClient) PayloadByHash(ctx context.Context, hash common.Hash) (*eth.ExecutionPayloadEnvelope, error) {
	if payload, ok := s.payloadsCache.Get(hash); ok {
		return payload, nil
	}
	return s.payloadCall(ctx, "eth_getBlockByHash", hash)
}

func (s *EthClient) PayloadByNumber(ctx context.Context, number uint64) (*eth.ExecutionPayloadEnvelope, error) {
	return s.payloadCall(ctx, "eth_getBlockByNumber", eth.BlockNumberArg(number))
}

func (s *EthClient) PayloadByLabel(ctx context.Context, label eth.BlockLabel) (*eth.ExecutionPayloadEnvelope, error) {
	return s.payloadCall(ctx, "eth_getBlockByNumber", label.Arg())
}

// FetchReceipts returns a block info and all of the receipts associated with transactions in the block.
// Untrusted receipts are checked against the receipts root of the block.
func (s *EthClient) FetchReceipts(ctx context.Context, blockHash common.Hash) (eth.BlockInfo, types.Receipts, error) {
	info, err := s.InfoByHash(ctx, blockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("querying block: %w", err)
	}
	if receipts, ok := s.receiptsCache.Get(blockHash); ok {
		return info, receipts, nil
	}

	var receipts types.Receipts
	if err := s.client.CallContext(ctx, &receipts, "eth_getBlockReceipts", blockHash); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch receipts of block %s: %w", blockHash, err)
	}
	if receipts == nil {
		return nil, nil, fmt.Errorf("receipts of block %s: %w", blockHash, ethereum.NotFound)
	}
	if !s.trustRPC {
		if err := validateReceipts(info, receipts); err != nil {
			return nil, nil, err
		}
	}
	s.receiptsCache.Add(blockHash, receipts)
	return info, receipts, nil
}

var errReceiptsRootMismatch = errors.New("receipts root mismatch")

func validateReceipts(info eth.BlockInfo, receipts types.Receipts) error {
	for i, r := range receipts {
		if r == nil {
			return fmt.Errorf("receipt %d of block %s is missing", i, info.Hash())
		}
		if r.BlockHash != (common.Hash{}) && r.BlockHash != info.Hash() {
			return fmt.Errorf("receipt %d is of block %s, expected %s", i, r.BlockHash, info.Hash())
		}
	}
	if computed := types.DeriveSha(receipts, trie.NewStackTrie(nil)); computed != info.ReceiptHash() {
		return fmt.Errorf("%w: computed %s, block %s has %s", errReceiptsRootMismatch, computed, info.Hash(), info.ReceiptHash())
	}
	return nil
}

func (s *EthClient) Close() {
	s.client.Close()
}
