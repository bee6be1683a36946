package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-resty/resty/v2"

	"github.com/succinctlabs/kona/kona-service/eth"
)

const (
	genesisMethod  = "/eth/v1/beacon/genesis"
	specMethod     = "/eth/v1/config/spec"
	sidecarsMethod = "/eth/v1/beacon/blob_sidecars/{slot}"
)

var errBeaconHTTP = errors.New("beacon API request failed")

type TimeToSlotFn func(timestamp uint64) (uint64, error)

// L1BeaconClient reads blob sidecars from the beacon node REST API.
type L1BeaconClient struct {
	log log.Logger
	cl  *resty.Client

	initLock     sync.Mutex
	timeToSlotFn TimeToSlotFn
}

func NewL1BeaconClient(log log.Logger, addr string, timeout time.Duration) *L1BeaconClient {
	cl := resty.New()
	cl.SetBaseURL(strings.TrimSuffix(addr, "/"))
	cl.SetTimeout(timeout)
	cl.SetHeader("Accept", "application/json")
	cl.OnAfterResponse(func(c *resty.Client, r *resty.Response) error {
		statusCode := r.StatusCode()
		if statusCode == http.StatusNotFound {
			return fmt.Errorf("%s %s: %w", r.Request.Method, r.Request.URL, ethereum.NotFound)
		}
		if statusCode >= 400 {
			return fmt.Errorf("%d cannot %s %s: %w", statusCode, r.Request.Method, r.Request.URL, errBeaconHTTP)
		}
		return nil
	})
	return &L1BeaconClient{log: log, cl: cl}
}

func (c *L1BeaconClient) get(ctx context.Context, result any, path string, pathParams map[string]string, query map[string]string) error {
	_, err := c.cl.R().
		SetContext(ctx).
		SetPathParams(pathParams).
		SetQueryParams(query).
		SetResult(result).
		Get(path)
	return err
}

// GetTimeToSlotFn returns a function that converts a timestamp to a slot number.
// Genesis time and slot duration are fetched once.
func (c *L1BeaconClient) GetTimeToSlotFn(ctx context.Context) (TimeToSlotFn, error) {
	c.initLock.Lock()
	defer c.initLock.Unlock()
	if c.timeToSlotFn != nil {
		return c.timeToSlotFn, nil
	}

	var genesis eth.APIGenesisResponse
	if err := c.get(ctx, &genesis, genesisMethod, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to fetch beacon genesis: %w", err)
	}
	var config eth.APIConfigResponse
	if err := c.get(ctx, &config, specMethod, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to fetch beacon config: %w", err)
	}

	genesisTime := uint64(genesis.Data.GenesisTime)
	secondsPerSlot := uint64(config.Data.SecondsPerSlot)
	if secondsPerSlot == 0 {
		return nil, fmt.Errorf("got bad value for seconds per slot: %v", config.Data.SecondsPerSlot)
	}
	c.timeToSlotFn = func(timestamp uint64) (uint64, error) {
		if timestamp < genesisTime {
			return 0, fmt.Errorf("provided timestamp (%v) precedes genesis time (%v)", timestamp, genesisTime)
		}
		return (timestamp - genesisTime) / secondsPerSlot, nil
	}
	return c.timeToSlotFn, nil
}

// GetBlobSidecars fetches the sidecars of the given blobs, in the order of the hashes.
func (c *L1BeaconClient) GetBlobSidecars(ctx context.Context, ref eth.L1BlockRef, hashes []eth.IndexedBlobHash) ([]*eth.APIBlobSidecar, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	slotFn, err := c.GetTimeToSlotFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get time to slot function: %w", err)
	}
	slot, err := slotFn(ref.Time)
	if err != nil {
		return nil, fmt.Errorf("error in converting ref.Time to slot: %w", err)
	}

	indices := make([]string, len(hashes))
	for i, h := range hashes {
		indices[i] = strconv.FormatUint(h.Index, 10)
	}
	var resp eth.APIGetBlobSidecarsResponse
	err = c.get(ctx, &resp, sidecarsMethod,
		map[string]string{"slot": strconv.FormatUint(slot, 10)},
		map[string]string{"indices": strings.Join(indices, ",")})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob sidecars for slot %v block %v: %w", slot, ref, err)
	}

	byIndex := make(map[uint64]*eth.APIBlobSidecar, len(resp.Data))
	for _, sc := range resp.Data {
		byIndex[uint64(sc.Index)] = sc
	}
	out := make([]*eth.APIBlobSidecar, len(hashes))
	for i, h := range hashes {
		sc, ok := byIndex[h.Index]
		if !ok {
			return nil, fmt.Errorf("missing blob sidecar %d of block %s", h.Index, ref)
		}
		out[i] = sc
	}
	return out, nil
}

// GetBlobs fetches blobs that were confirmed in the specified L1 block with the given indexed
// hashes. The order of the returned blobs will match the order of `hashes`. Confirms each
// blob's validity by checking its proof against the commitment, and confirming the commitment
// hashes to the expected value.
func (c *L1BeaconClient) GetBlobs(ctx context.Context, ref eth.L1BlockRef, hashes []eth.IndexedBlobHash) ([]*eth.Blob, error) {
	sidecars, err := c.GetBlobSidecars(ctx, ref, hashes)
	if err != nil {
		return nil, err
	}
	blobs := make([]*eth.Blob, len(hashes))
	for i, sc := range sidecars {
		if err := verifySidecar(sc, hashes[i]); err != nil {
			return nil, fmt.Errorf("blob %d of block %s failed verification: %w", hashes[i].Index, ref, err)
		}
		blobs[i] = &sc.Blob
	}
	return blobs, nil
}

func verifySidecar(sc *eth.APIBlobSidecar, h eth.IndexedBlobHash) error {
	commitment := kzg4844.Commitment(sc.KZGCommitment)
	if got := eth.KZGToVersionedHash(commitment); got != h.Hash {
		return fmt.Errorf("expected hash %s for blob at index %d but got %s", h.Hash, h.Index, got)
	}
	if err := eth.VerifyBlobProof(&sc.Blob, commitment, kzg4844.Proof(sc.KZGProof)); err != nil {
		return fmt.Errorf("invalid blob proof: %w", err)
	}
	return nil
}
