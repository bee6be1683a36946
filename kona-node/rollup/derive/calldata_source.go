package derive

import (
	"context"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/succinctlabs/kona/kona-service/eth"
)

// CalldataSource is a fault tolerant approach to fetching data.
// The constructor will never fail & it will instead re-attempt the fetcher
// at a later point.
type CalldataSource struct {
	// Internal state + data
	open bool
	data []eth.Data
	// Required to re-attempt fetching
	ref         eth.L1BlockRef
	dsCfg       DataSourceConfig
	fetcher     L1TransactionFetcher
	log         log.Logger
	batcherAddr common.Address
}

// NewCalldataSource creates a new calldata source. The block is fetched lazily on the first call to Next.
func NewCalldataSource(log log.Logger, dsCfg DataSourceConfig, fetcher L1TransactionFetcher, ref eth.L1BlockRef, batcherAddr common.Address) DataIter {
	return &CalldataSource{
		open:        false,
		ref:         ref,
		dsCfg:       dsCfg,
		fetcher:     fetcher,
		log:         log.New("origin", ref),
		batcherAddr: batcherAddr,
	}
}

// Next returns the next piece of data if it has it. If the constructor failed, this
// will attempt to reinitialize itself. If it cannot find the block it returns a ResetError
// otherwise it returns a temporary error if fetching the block returns an error.
func (ds *CalldataSource) Next(ctx context.Context) (eth.Data, error) {
	if !ds.open {
		_, txs, err := ds.fetcher.InfoAndTxsByHash(ctx, ds.ref.Hash)
		if err != nil {
			return nil, retrievalError(ds.ref, err, errors.Is(err, ethereum.NotFound))
		}
		ds.open = true
		ds.data = DataFromEVMTransactions(ds.dsCfg, ds.batcherAddr, txs, ds.log)
	}
	if len(ds.data) == 0 {
		return nil, io.EOF
	}
	data := ds.data[0]
	ds.data = ds.data[1:]
	return data, nil
}

// DataFromEVMTransactions filters all of the transactions and returns the calldata from transactions
// that are sent to the batch inbox address from the batch sender address.
// This will return an empty array if no valid transactions are found.
func DataFromEVMTransactions(dsCfg DataSourceConfig, batcherAddr common.Address, txs types.Transactions, log log.Logger) []eth.Data {
	out := []eth.Data{}
	for _, tx := range txs {
		if tx.Type() == types.BlobTxType {
			continue
		}
		if isValidBatchTx(tx, dsCfg.l1Signer, dsCfg.batchInboxAddress, batcherAddr, log) {
			out = append(out, tx.Data())
		}
	}
	return out
}
