package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/succinctlabs/kona/kona-service/eth"
)

type MockBlobsFetcher struct {
	mock.Mock
}

func (m *MockBlobsFetcher) GetBlobs(ctx context.Context, ref eth.L1BlockRef, hashes []eth.IndexedBlobHash) ([]*eth.Blob, error) {
	out := m.Mock.MethodCalled("GetBlobs", ref, hashes)
	blobs, _ := out[0].([]*eth.Blob)
	return blobs, *out[1].(*error)
}

func (m *MockBlobsFetcher) ExpectGetBlobs(ref eth.L1BlockRef, hashes []eth.IndexedBlobHash, blobs []*eth.Blob, err error) {
	m.Mock.On("GetBlobs", ref, hashes).Once().Return(blobs, &err)
}
