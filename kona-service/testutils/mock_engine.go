package testutils

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/succinctlabs/kona/kona-service/eth"
)

type MockEngine struct {
	MockL2Source
}

func (m *MockEngine) L2BlockRefByLabel(ctx context.Context, label eth.BlockLabel) (eth.L2BlockRef, error) {
	out := m.Mock.MethodCalled("L2BlockRefByLabel", label)
	return out[0].(eth.L2BlockRef), *out[1].(*error)
}

func (m *MockEngine) ExpectL2BlockRefByLabel(label eth.BlockLabel, ref eth.L2BlockRef, err error) {
	m.Mock.On("L2BlockRefByLabel", label).Once().Return(ref, &err)
}

func (m *MockEngine) GetPayload(ctx context.Context, payloadInfo eth.PayloadInfo) (*eth.ExecutionPayloadEnvelope, error) {
	out := m.Mock.MethodCalled("GetPayload", payloadInfo.ID)
	env, _ := out[0].(*eth.ExecutionPayloadEnvelope)
	return env, *out[1].(*error)
}

func (m *MockEngine) ExpectGetPayload(payloadID eth.PayloadID, envelope *eth.ExecutionPayloadEnvelope, err error) {
	m.Mock.On("GetPayload", payloadID).Once().Return(envelope, &err)
}

func (m *MockEngine) ForkchoiceUpdate(ctx context.Context, state *eth.ForkchoiceState, attr *eth.PayloadAttributes) (*eth.ForkchoiceUpdatedResult, error) {
	out := m.Mock.MethodCalled("ForkchoiceUpdate", *state, attr)
	res, _ := out[0].(*eth.ForkchoiceUpdatedResult)
	return res, *out[1].(*error)
}

func (m *MockEngine) ExpectForkchoiceUpdate(state *eth.ForkchoiceState, attr *eth.PayloadAttributes, result *eth.ForkchoiceUpdatedResult, err error) {
	m.Mock.On("ForkchoiceUpdate", *state, attr).Once().Return(result, &err)
}

func (m *MockEngine) NewPayload(ctx context.Context, payload *eth.ExecutionPayload, parentBeaconBlockRoot *common.Hash) (*eth.PayloadStatusV1, error) {
	out := m.Mock.MethodCalled("NewPayload", payload, parentBeaconBlockRoot)
	status, _ := out[0].(*eth.PayloadStatusV1)
	return status, *out[1].(*error)
}

func (m *MockEngine) ExpectNewPayload(payload *eth.ExecutionPayload, parentBeaconBlockRoot *common.Hash, result *eth.PayloadStatusV1, err error) {
	m.Mock.On("NewPayload", payload, parentBeaconBlockRoot).Once().Return(result, &err)
}
