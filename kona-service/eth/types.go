package eth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type ErrorCode int

const (
	InvalidParams            ErrorCode = -32602
	UnknownPayload           ErrorCode = -38001 // Payload does not exist / is not available.
	InvalidForkchoiceState   ErrorCode = -38002 // Forkchoice state is invalid / inconsistent.
	InvalidPayloadAttributes ErrorCode = -38003 // Payload attributes are invalid / inconsistent.
	TooLargeEngineRequest    ErrorCode = -38004 // Unused, here for completeness, only used by engine_getPayloadBodiesByHashV1
	UnsupportedFork          ErrorCode = -38005 // Unused, see issue #11130.
)

// IsEngineError reports whether the code is in the Engine API reserved range.
func (c ErrorCode) IsEngineError() bool {
	return -38100 < c && c <= -38000
}

// InputError distinguishes an user-input error from regular rpc errors,
// to help the (Engine) API user divert from accidental input mistakes.
type InputError struct {
	Inner error
	Code  ErrorCode
}

func (ie InputError) Error() string {
	return fmt.Sprintf("input error %d: %s", ie.Code, ie.Inner.Error())
}

func (ie InputError) Unwrap() error {
	return ie.Inner
}

// Is checks if the error is the given target type.
// Any type of InputError counts, regardless of code.
func (ie InputError) Is(target error) bool {
	_, ok := target.(InputError)
	return ok
}

type Bytes32 [32]byte

func (b *Bytes32) UnmarshalJSON(text []byte) error {
	return hexutil.UnmarshalFixedJSON(reflect.TypeOf(b), text, b[:])
}

func (b *Bytes32) UnmarshalText(text []byte) error {
	return hexutil.UnmarshalFixedText("Bytes32", text, b[:])
}

func (b Bytes32) MarshalText() ([]byte, error) {
	return hexutil.Bytes(b[:]).MarshalText()
}

func (b Bytes32) String() string {
	return hexutil.Encode(b[:])
}

// TerminalString implements log.TerminalStringer, formatting a string for console
// output during logging.
func (b Bytes32) TerminalString() string {
	return fmt.Sprintf("%x..%x", b[:3], b[29:])
}

type Data = hexutil.Bytes

type Uint64Quantity = hexutil.Uint64

type PayloadID = engine.PayloadID

type ExecutionPayload struct {
	ParentHash    common.Hash        `json:"parentHash"`
	FeeRecipient  common.Address     `json:"feeRecipient"`
	StateRoot     Bytes32            `json:"stateRoot"`
	ReceiptsRoot  Bytes32            `json:"receiptsRoot"`
	LogsBloom     hexutil.Bytes      `json:"logsBloom"`
	PrevRandao    Bytes32            `json:"prevRandao"`
	BlockNumber   Uint64Quantity     `json:"blockNumber"`
	GasLimit      Uint64Quantity     `json:"gasLimit"`
	GasUsed       Uint64Quantity     `json:"gasUsed"`
	Timestamp     Uint64Quantity     `json:"timestamp"`
	ExtraData     hexutil.Bytes      `json:"extraData"`
	BaseFeePerGas *hexutil.Big       `json:"baseFeePerGas"`
	BlockHash     common.Hash        `json:"blockHash"`
	Transactions  []Data             `json:"transactions"`
	Withdrawals   *types.Withdrawals `json:"withdrawals,omitempty"`
	BlobGasUsed   *Uint64Quantity    `json:"blobGasUsed,omitempty"`
	ExcessBlobGas *Uint64Quantity    `json:"excessBlobGas,omitempty"`
}

func (payload *ExecutionPayload) ID() BlockID {
	return BlockID{Hash: payload.BlockHash, Number: uint64(payload.BlockNumber)}
}

func (payload *ExecutionPayload) ParentID() BlockID {
	n := uint64(payload.BlockNumber)
	if n > 0 {
		n -= 1
	}
	return BlockID{Hash: payload.ParentHash, Number: n}
}

type ExecutionPayloadEnvelope struct {
	ParentBeaconBlockRoot *common.Hash      `json:"parentBeaconBlockRoot,omitempty"`
	ExecutionPayload      *ExecutionPayload `json:"executionPayload"`
}

// PayloadAttributes are the inputs to one L2 block as derived from L1. The first transaction is
// always the L1 info deposit, followed by user deposits, followed by the batch transactions.
type PayloadAttributes struct {
	// value for the timestamp field of the new payload
	Timestamp Uint64Quantity `json:"timestamp"`
	// value for the random field of the new payload
	PrevRandao Bytes32 `json:"prevRandao"`
	// suggested value for the coinbase field of the new payload
	SuggestedFeeRecipient common.Address `json:"suggestedFeeRecipient"`
	// Withdrawals to include into the block -- should be nil or empty depending on Shanghai enablement
	Withdrawals *types.Withdrawals `json:"withdrawals,omitempty"`
	// parentBeaconBlockRoot optional extension in Dencun
	ParentBeaconBlockRoot *common.Hash `json:"parentBeaconBlockRoot,omitempty"`

	// Transactions to force into the block (always at the start of the transactions list).
	Transactions []Data `json:"transactions,omitempty"`
	// NoTxPool to disable adding any transactions from the transaction-pool.
	NoTxPool bool `json:"noTxPool,omitempty"`
	// GasLimit override
	GasLimit *Uint64Quantity `json:"gasLimit,omitempty"`
}

// IsDepositsOnly returns whether all transactions of the PayloadAttributes are of Deposit
// type. Empty transactions are also considered non-Deposit transactions.
func (a *PayloadAttributes) IsDepositsOnly() bool {
	for _, tx := range a.Transactions {
		if len(tx) == 0 || tx[0] != types.DepositTxType {
			return false
		}
	}
	return true
}

// WithDepositsOnly return a shallow clone with all non-Deposit transactions stripped from its
// transactions. The order is preserved.
func (a *PayloadAttributes) WithDepositsOnly() *PayloadAttributes {
	clone := *a
	depositTxs := make([]Data, 0, len(a.Transactions))
	for _, tx := range a.Transactions {
		if len(tx) > 0 && tx[0] == types.DepositTxType {
			depositTxs = append(depositTxs, tx)
		}
	}
	clone.Transactions = depositTxs
	return &clone
}

type ExecutePayloadStatus string

const (
	// given payload is valid
	ExecutionValid ExecutePayloadStatus = "VALID"
	// given payload is invalid
	ExecutionInvalid ExecutePayloadStatus = "INVALID"
	// sync process is in progress
	ExecutionSyncing ExecutePayloadStatus = "SYNCING"
	// returned if the payload is not fully validated, and does not extend the canonical chain,
	// but will be remembered for later (on reorgs or sync updates and such)
	ExecutionAccepted ExecutePayloadStatus = "ACCEPTED"
	// if the block-hash in the payload is not correct
	ExecutionInvalidBlockHash ExecutePayloadStatus = "INVALID_BLOCK_HASH"
)

type PayloadStatusV1 struct {
	// the result of the payload execution
	Status ExecutePayloadStatus `json:"status"`
	// the hash of the most recent valid block in the branch defined by payload and its ancestors (optional field)
	LatestValidHash *common.Hash `json:"latestValidHash,omitempty"`
	// additional details on the result (optional field)
	ValidationError *string `json:"validationError,omitempty"`
}

func ForkchoiceUpdateErr(payloadStatus PayloadStatusV1) error {
	switch payloadStatus.Status {
	case ExecutionSyncing:
		return fmt.Errorf("updated forkchoice, but node is syncing")
	case ExecutionAccepted, ExecutionInvalidBlockHash, ExecutionInvalid:
		// ACCEPTED, INVALID_BLOCK_HASH 不属于 forkchoiceUpdated 的合法返回
		return fmt.Errorf("unexpected %s status, could not update forkchoice", payloadStatus.Status)
	default:
		return fmt.Errorf("unknown forkchoice status: %q", string(payloadStatus.Status))
	}
}

func NewPayloadErr(payload *ExecutionPayload, payloadStatus *PayloadStatusV1) error {
	switch payloadStatus.Status {
	case ExecutionValid:
		return nil
	case ExecutionSyncing:
		return fmt.Errorf("failed to execute payload %s, node is syncing", payload.ID())
	case ExecutionInvalid:
		return fmt.Errorf("execution payload %s was INVALID! Latest valid hash is %s, ignoring bad block: %v", payload.ID(), payloadStatus.LatestValidHash, payloadStatus.ValidationError)
	case ExecutionInvalidBlockHash:
		return fmt.Errorf("execution payload %s has INVALID BLOCKHASH! %v", payload.BlockHash, payloadStatus.ValidationError)
	case ExecutionAccepted:
		return fmt.Errorf("execution payload cannot be validated yet, latest valid hash is %s", payloadStatus.LatestValidHash)
	default:
		return fmt.Errorf("unknown execution status on %s: %q, ", payload.ID(), string(payloadStatus.Status))
	}
}

type ForkchoiceState struct {
	// block hash of the head of the canonical chain
	HeadBlockHash common.Hash `json:"headBlockHash"`
	// safe block hash in the canonical chain
	SafeBlockHash common.Hash `json:"safeBlockHash"`
	// block hash of the most recent finalized block
	FinalizedBlockHash common.Hash `json:"finalizedBlockHash"`
}

type ForkchoiceUpdatedResult struct {
	// the result of the payload execution
	PayloadStatus PayloadStatusV1 `json:"payloadStatus"`
	// the payload id if requested
	PayloadID *PayloadID `json:"payloadId"`
}

// SystemConfig represents the rollup system configuration that carries over in every L2 block,
// and may be changed through L1 system config events.
type SystemConfig struct {
	// BatcherAddr identifies the batch-sender address used in batch-inbox data-transaction filtering.
	BatcherAddr common.Address `json:"batcherAddr"`
	// Overhead identifies the L1 fee overhead.
	// Pre-Ecotone this is passed as-is to the engine.
	// Post-Ecotone this is always zero, and not passed into the engine.
	Overhead Bytes32 `json:"overhead"`
	// Scalar identifies the L1 fee scalar
	// Pre-Ecotone this is passed as-is to the engine.
	// Post-Ecotone this encodes multiple pieces of scalar data.
	Scalar Bytes32 `json:"scalar"`
	// GasLimit identifies the L2 block gas limit
	GasLimit uint64 `json:"gasLimit"`
}

const (
	L1ScalarBedrock = byte(0)
	L1ScalarEcotone = byte(1)
)

var ErrInvalidScalar = errors.New("invalid scalar")

// EcotoneScalars splits the scalar into the base fee and blob base fee scalars.
func (sysCfg *SystemConfig) EcotoneScalars() (blobBaseFeeScalar, baseFeeScalar uint32, err error) {
	return DecodeScalar(sysCfg.Scalar)
}

func DecodeScalar(scalar [32]byte) (blobBaseFeeScalar, baseFeeScalar uint32, err error) {
	switch scalar[0] {
	case L1ScalarBedrock:
		// Bedrock scalars are a big-endian uint256 that must fit in the low 4 bytes
		for _, b := range scalar[1:28] {
			if b != 0 {
				return 0, 0, fmt.Errorf("%w: bedrock scalar does not fit in uint32", ErrInvalidScalar)
			}
		}
		blobBaseFeeScalar = 0
		baseFeeScalar = binary.BigEndian.Uint32(scalar[28:32])
	case L1ScalarEcotone:
		for _, b := range scalar[1:24] {
			if b != 0 {
				return 0, 0, fmt.Errorf("%w: ecotone scalar has non-zero padding", ErrInvalidScalar)
			}
		}
		blobBaseFeeScalar = binary.BigEndian.Uint32(scalar[24:28])
		baseFeeScalar = binary.BigEndian.Uint32(scalar[28:32])
	default:
		return 0, 0, fmt.Errorf("%w: unknown scalar version %d", ErrInvalidScalar, scalar[0])
	}
	return
}

// EncodeScalar packs the Ecotone scalars into a versioned 32 byte word.
func EncodeScalar(blobBaseFeeScalar, baseFeeScalar uint32) (scalar Bytes32) {
	scalar[0] = L1ScalarEcotone
	binary.BigEndian.PutUint32(scalar[24:28], blobBaseFeeScalar)
	binary.BigEndian.PutUint32(scalar[28:32], baseFeeScalar)
	return
}
