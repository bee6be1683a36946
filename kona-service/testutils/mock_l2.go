package testutils

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"

	"github.com/succinctlabs/kona/kona-service/eth"
)

type MockL2Source struct {
	mock.Mock
}

func (m *MockL2Source) L2BlockRefByNumber(ctx context.Context, num uint64) (eth.L2BlockRef, error) {
	out := m.Mock.MethodCalled("L2BlockRefByNumber", num)
	return out[0].(eth.L2BlockRef), *out[1].(*error)
}

func (m *MockL2Source) ExpectL2BlockRefByNumber(num uint64, ref eth.L2BlockRef, err error) {
	m.Mock.On("L2BlockRefByNumber", num).Once().Return(ref, &err)
}

func (m *MockL2Source) L2BlockRefByHash(ctx context.Context, hash common.Hash) (eth.L2BlockRef, error) {
	out := m.Mock.MethodCalled("L2BlockRefByHash", hash)
	return out[0].(eth.L2BlockRef), *out[1].(*error)
}

func (m *MockL2Source) ExpectL2BlockRefByHash(hash common.Hash, ref eth.L2BlockRef, err error) {
	m.Mock.On("L2BlockRefByHash", hash).Once().Return(ref, &err)
}

func (m *MockL2Source) PayloadByNumber(ctx context.Context, num uint64) (*eth.ExecutionPayloadEnvelope, error) {
	out := m.Mock.MethodCalled("PayloadByNumber", num)
	env, _ := out[0].(*eth.ExecutionPayloadEnvelope)
	return env, *out[1].(*error)
}

func (m *MockL2Source) ExpectPayloadByNumber(num uint64, env *eth.ExecutionPayloadEnvelope, err error) {
	m.Mock.On("PayloadByNumber", num).Once().Return(env, &err)
}

func (m *MockL2Source) SystemConfigByL2Hash(ctx context.Context, hash common.Hash) (eth.SystemConfig, error) {
	out := m.Mock.MethodCalled("SystemConfigByL2Hash", hash)
	return out[0].(eth.SystemConfig), *out[1].(*error)
}

func (m *MockL2Source) ExpectSystemConfigByL2Hash(hash common.Hash, cfg eth.SystemConfig, err error) {
	m.Mock.On("SystemConfigByL2Hash", hash).Once().Return(cfg, &err)
}
