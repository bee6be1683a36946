package sources

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/testlog"
)

const beaconURL = "http://beacon.test"

func makeTestBlobSidecar(t *testing.T, index uint64, data []byte) (eth.IndexedBlobHash, *eth.APIBlobSidecar) {
	var blob eth.Blob
	require.NoError(t, blob.FromData(data))
	commitment, err := kzg4844.BlobToCommitment(blob.KZGBlob())
	require.NoError(t, err)
	proof, err := kzg4844.ComputeBlobProof(blob.KZGBlob(), commitment)
	require.NoError(t, err)
	hash := eth.IndexedBlobHash{Index: index, Hash: eth.KZGToVersionedHash(commitment)}
	return hash, &eth.APIBlobSidecar{
		Index:         eth.Uint64String(index),
		Blob:          blob,
		KZGCommitment: eth.Bytes48(commitment),
		KZGProof:      eth.Bytes48(proof),
	}
}

func newMockedBeaconClient(t *testing.T) *L1BeaconClient {
	cl := NewL1BeaconClient(testlog.Logger(t, slog.LevelDebug), beaconURL+"/", 5*time.Second)
	httpmock.ActivateNonDefault(cl.cl.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, beaconURL+genesisMethod,
		httpmock.NewJsonResponderOrPanic(200, &eth.APIGenesisResponse{Data: eth.ReducedGenesisData{GenesisTime: 1000}}))
	httpmock.RegisterResponder(http.MethodGet, beaconURL+specMethod,
		httpmock.NewJsonResponderOrPanic(200, &eth.APIConfigResponse{Data: eth.ReducedConfigData{SecondsPerSlot: 12}}))
	return cl
}

func TestBeaconClientTimeToSlot(t *testing.T) {
	cl := newMockedBeaconClient(t)
	fn, err := cl.GetTimeToSlotFn(context.Background())
	require.NoError(t, err)
	slot, err := fn(1000 + 12*7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), slot)
	_, err = fn(999)
	require.ErrorContains(t, err, "precedes genesis")

	_, err = cl.GetTimeToSlotFn(context.Background())
	require.NoError(t, err)
	calls := httpmock.GetCallCountInfo()
	require.Equal(t, 1, calls["GET "+beaconURL+genesisMethod], "genesis is only fetched once")
}

func TestBeaconClientGetBlobs(t *testing.T) {
	ref := eth.L1BlockRef{Hash: common.Hash{0xaa}, Number: 50, Time: 1000 + 12*5}
	h0, sc0 := makeTestBlobSidecar(t, 0, []byte("first blob"))
	h2, sc2 := makeTestBlobSidecar(t, 2, []byte("third blob"))

	t.Run("valid", func(t *testing.T) {
		cl := newMockedBeaconClient(t)
		// served out of order
		httpmock.RegisterResponderWithQuery(http.MethodGet, beaconURL+"/eth/v1/beacon/blob_sidecars/5", "indices=0,2",
			httpmock.NewJsonResponderOrPanic(200, &eth.APIGetBlobSidecarsResponse{Data: []*eth.APIBlobSidecar{sc2, sc0}}))

		blobs, err := cl.GetBlobs(context.Background(), ref, []eth.IndexedBlobHash{h0, h2})
		require.NoError(t, err)
		require.Len(t, blobs, 2)
		data, err := blobs[0].ToData()
		require.NoError(t, err)
		require.Equal(t, "first blob", string(data))
		data, err = blobs[1].ToData()
		require.NoError(t, err)
		require.Equal(t, "third blob", string(data))
	})

	t.Run("commitment mismatch", func(t *testing.T) {
		cl := newMockedBeaconClient(t)
		wrong := *sc2
		wrong.Index = 0
		httpmock.RegisterResponderWithQuery(http.MethodGet, beaconURL+"/eth/v1/beacon/blob_sidecars/5", "indices=0",
			httpmock.NewJsonResponderOrPanic(200, &eth.APIGetBlobSidecarsResponse{Data: []*eth.APIBlobSidecar{&wrong}}))
		_, err := cl.GetBlobs(context.Background(), ref, []eth.IndexedBlobHash{h0})
		require.ErrorContains(t, err, "expected hash")
	})

	t.Run("missing sidecar", func(t *testing.T) {
		cl := newMockedBeaconClient(t)
		httpmock.RegisterResponderWithQuery(http.MethodGet, beaconURL+"/eth/v1/beacon/blob_sidecars/5", "indices=0,2",
			httpmock.NewJsonResponderOrPanic(200, &eth.APIGetBlobSidecarsResponse{Data: []*eth.APIBlobSidecar{sc0}}))
		_, err := cl.GetBlobs(context.Background(), ref, []eth.IndexedBlobHash{h0, h2})
		require.ErrorContains(t, err, "missing blob sidecar 2")
	})

	t.Run("slot not found", func(t *testing.T) {
		cl := newMockedBeaconClient(t)
		httpmock.RegisterResponderWithQuery(http.MethodGet, beaconURL+"/eth/v1/beacon/blob_sidecars/5", "indices=0",
			httpmock.NewStringResponder(404, `{"code":404,"message":"NOT_FOUND"}`))
		_, err := cl.GetBlobs(context.Background(), ref, []eth.IndexedBlobHash{h0})
		require.ErrorIs(t, err, ethereum.NotFound)
	})

	t.Run("server error", func(t *testing.T) {
		cl := newMockedBeaconClient(t)
		httpmock.RegisterResponderWithQuery(http.MethodGet, beaconURL+"/eth/v1/beacon/blob_sidecars/5", "indices=0",
			httpmock.NewStringResponder(500, "internal"))
		_, err := cl.GetBlobs(context.Background(), ref, []eth.IndexedBlobHash{h0})
		require.ErrorIs(t, err, errBeaconHTTP)
	})

	t.Run("no hashes", func(t *testing.T) {
		cl := newMockedBeaconClient(t)
		blobs, err := cl.GetBlobs(context.Background(), ref, nil)
		require.NoError(t, err)
		require.Empty(t, blobs)
		require.Zero(t, httpmock.GetTotalCallCount())
	})
}
