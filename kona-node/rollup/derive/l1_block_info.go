package derive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/succinctlabs/kona/kona-node/rollup"
	"github.com/succinctlabs/kona/kona-service/eth"
	"github.com/succinctlabs/kona/kona-service/predeploys"
)

const (
	L1InfoFuncBedrockSignature = "setL1BlockValues(uint64,uint64,uint256,bytes32,uint64,bytes32,uint256,uint256)"
	L1InfoFuncEcotoneSignature = "setL1BlockValuesEcotone()"
	L1InfoArguments            = 8
	L1InfoBedrockLen           = 4 + 32*L1InfoArguments
	L1InfoEcotoneLen           = 4 + 32*5 // after Ecotone upgrade, args are packed into 5 32-byte slots
)

var (
	L1InfoFuncBedrockBytes4 = crypto.Keccak256([]byte(L1InfoFuncBedrockSignature))[:4]
	L1InfoFuncEcotoneBytes4 = crypto.Keccak256([]byte(L1InfoFuncEcotoneSignature))[:4]
	L1InfoDepositerAddress  = predeploys.L1InfoDepositerAddr
	L1BlockAddress          = predeploys.L1BlockAddr
	ErrInvalidFormat        = errors.New("invalid ecotone l1 block info format")
)

const (
	RegolithSystemTxGas = 1_000_000
)

// L1BlockInfo presents the information stored in a L1Block.setL1BlockValues call
type L1BlockInfo struct {
	Number    uint64
	Time      uint64
	BaseFee   *big.Int
	BlockHash common.Hash
	// Not strictly a piece of L1 information. Represents the number of L2 blocks since the start of the epoch,
	// i.e. when the actual L1 info was first introduced.
	SequenceNumber uint64
	// BatcherAddr version 0 is just the address with 0 padding to the left.
	BatcherAddr common.Address

	L1FeeOverhead eth.Bytes32 // ignored after Ecotone upgrade
	L1FeeScalar   eth.Bytes32 // ignored after Ecotone upgrade

	BlobBaseFee       *big.Int // added by Ecotone upgrade
	BaseFeeScalar     uint32   // added by Ecotone upgrade
	BlobBaseFeeScalar uint32   // added by Ecotone upgrade
}

// Bedrock Binary Format
// +---------+--------------------------+
// | Bytes   | Field                    |
// +---------+--------------------------+
// | 4       | Function signature       |
// | 32      | Number                   |
// | 32      | Time                     |
// | 32      | BaseFee                  |
// | 32      | BlockHash                |
// | 32      | SequenceNumber           |
// | 32      | BatcherHash              |
// | 32      | L1FeeOverhead            |
// | 32      | L1FeeScalar              |
// +---------+--------------------------+

func (info *L1BlockInfo) marshalBinaryBedrock() ([]byte, error) {
	w := bytes.NewBuffer(make([]byte, 0, L1InfoBedrockLen))
	if err := writeSolidityABIBytes4(w, L1InfoFuncBedrockBytes4); err != nil {
		return nil, err
	}
	if err := writeSolidityABIUint64(w, info.Number); err != nil {
		return nil, err
	}
	if err := writeSolidityABIUint64(w, info.Time); err != nil {
		return nil, err
	}
	if err := writeSolidityABIUint256(w, info.BaseFee); err != nil {
		return nil, err
	}
	if err := writeSolidityABIHash(w, info.BlockHash); err != nil {
		return nil, err
	}
	if err := writeSolidityABIUint64(w, info.SequenceNumber); err != nil {
		return nil, err
	}
	if err := writeSolidityABIAddress(w, info.BatcherAddr); err != nil {
		return nil, err
	}
	if err := writeSolidityABIHash(w, common.Hash(info.L1FeeOverhead)); err != nil {
		return nil, err
	}
	if err := writeSolidityABIHash(w, common.Hash(info.L1FeeScalar)); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (info *L1BlockInfo) unmarshalBinaryBedrock(data []byte) error {
	if len(data) != L1InfoBedrockLen {
		return fmt.Errorf("data is unexpected length: %d", len(data))
	}
	reader := bytes.NewReader(data)

	var err error
	if _, err := readSolidityABIBytes4(reader, L1InfoFuncBedrockBytes4); err != nil {
		return err
	}
	if info.Number, err = readSolidityABIUint64(reader); err != nil {
		return err
	}
	if info.Time, err = readSolidityABIUint64(reader); err != nil {
		return err
	}
	if info.BaseFee, err = readSolidityABIUint256(reader); err != nil {
		return err
	}
	if info.BlockHash, err = readSolidityABIHash(reader); err != nil {
		return err
	}
	if info.SequenceNumber, err = readSolidityABIUint64(reader); err != nil {
		return err
	}
	if info.BatcherAddr, err = readSolidityABIAddress(reader); err != nil {
		return err
	}
	overhead, err := readSolidityABIHash(reader)
	if err != nil {
		return err
	}
	info.L1FeeOverhead = eth.Bytes32(overhead)
	scalar, err := readSolidityABIHash(reader)
	if err != nil {
		return err
	}
	info.L1FeeScalar = eth.Bytes32(scalar)
	if !isEmptyReader(reader) {
		return errors.New("too many bytes")
	}
	return nil
}

// Ecotone Binary Format
// +---------+--------------------------+
// | Bytes   | Field                    |
// +---------+--------------------------+
// | 4       | Function signature       |
// | 4       | BaseFeeScalar            |
// | 4       | BlobBaseFeeScalar        |
// | 8       | SequenceNumber           |
// | 8       | Timestamp                |
// | 8       | L1BlockNumber            |
// | 32      | BaseFee                  |
// | 32      | BlobBaseFee              |
// | 32      | BlockHash                |
// | 32      | BatcherHash              |
// +---------+--------------------------+

func (info *L1BlockInfo) marshalBinaryEcotone() ([]byte, error) {
	w := bytes.NewBuffer(make([]byte, 0, L1InfoEcotoneLen))
	if err := binary.Write(w, binary.BigEndian, L1InfoFuncEcotoneBytes4); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, info.BaseFeeScalar); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, info.BlobBaseFeeScalar); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, info.SequenceNumber); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, info.Time); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, info.Number); err != nil {
		return nil, err
	}
	if err := writeSolidityABIUint256(w, info.BaseFee); err != nil {
		return nil, err
	}
	blobBasefee := info.BlobBaseFee
	if blobBasefee == nil {
		blobBasefee = big.NewInt(1) // set to 1, to match the min blob basefee as defined in EIP-4844
	}
	if err := writeSolidityABIUint256(w, blobBasefee); err != nil {
		return nil, err
	}
	if err := writeSolidityABIHash(w, info.BlockHash); err != nil {
		return nil, err
	}
	// ABI encoding will perform the left-padding with zeroes to 32 bytes, matching the "batcherHash" SystemConfig format and version 0 byte.
	if err := writeSolidityABIAddress(w, info.BatcherAddr); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (info *L1BlockInfo) unmarshalBinaryEcotone(data []byte) error {
	if len(data) != L1InfoEcotoneLen {
		return fmt.Errorf("data is unexpected length: %d", len(data))
	}
	r := bytes.NewReader(data)

	var err error
	if _, err := readSolidityABIBytes4(r, L1InfoFuncEcotoneBytes4); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &info.BaseFeeScalar); err != nil {
		return ErrInvalidFormat
	}
	if err := binary.Read(r, binary.BigEndian, &info.BlobBaseFeeScalar); err != nil {
		return ErrInvalidFormat
	}
	if err := binary.Read(r, binary.BigEndian, &info.SequenceNumber); err != nil {
		return ErrInvalidFormat
	}
	if err := binary.Read(r, binary.BigEndian, &info.Time); err != nil {
		return ErrInvalidFormat
	}
	if err := binary.Read(r, binary.BigEndian, &info.Number); err != nil {
		return ErrInvalidFormat
	}
	if info.BaseFee, err = readSolidityABIUint256(r); err != nil {
		return err
	}
	if info.BlobBaseFee, err = readSolidityABIUint256(r); err != nil {
		return err
	}
	if info.BlockHash, err = readSolidityABIHash(r); err != nil {
		return err
	}
	// The "batcherHash" will be correctly parsed as address, since the version 0 and left-padding matches the ABI encoding format.
	if info.BatcherAddr, err = readSolidityABIAddress(r); err != nil {
		return err
	}
	if !isEmptyReader(r) {
		return errors.New("too many bytes")
	}
	return nil
}

// isEcotoneButNotFirstBlock returns whether the specified block is subject to the Ecotone upgrade,
// but is not the activation block itself.
func isEcotoneButNotFirstBlock(rollupCfg *rollup.Config, l2BlockTime uint64) bool {
	return rollupCfg.IsEcotone(l2BlockTime) && !rollupCfg.IsEcotoneActivationBlock(l2BlockTime)
}

// L1BlockInfoFromBytes is the inverse of L1InfoDeposit, to see where the L2 chain is derived from
func L1BlockInfoFromBytes(rollupCfg *rollup.Config, l2BlockTime uint64, data []byte) (*L1BlockInfo, error) {
	var info L1BlockInfo
	if isEcotoneButNotFirstBlock(rollupCfg, l2BlockTime) {
		return &info, info.unmarshalBinaryEcotone(data)
	}
	return &info, info.unmarshalBinaryBedrock(data)
}

// L1InfoDeposit creates a L1 Info deposit transaction based on the L1 block,
// and the L2 block-height difference with the start of the epoch.
func L1InfoDeposit(rollupCfg *rollup.Config, sysCfg eth.SystemConfig, seqNumber uint64, block eth.BlockInfo, l2BlockTime uint64) (*types.DepositTx, error) {
	l1BlockInfo := L1BlockInfo{
		Number:         block.NumberU64(),
		Time:           block.Time(),
		BaseFee:        block.BaseFee(),
		BlockHash:      block.Hash(),
		SequenceNumber: seqNumber,
		BatcherAddr:    sysCfg.BatcherAddr,
	}
	var data []byte
	if isEcotoneButNotFirstBlock(rollupCfg, l2BlockTime) {
		l1BlockInfo.BlobBaseFee = block.BlobBaseFee()
		if l1BlockInfo.BlobBaseFee == nil {
			// The L2 spec states to use the MIN_BLOB_GASPRICE from EIP-4844 if not yet active on L1.
			l1BlockInfo.BlobBaseFee = big.NewInt(1)
		}
		blobBaseFeeScalar, baseFeeScalar, err := sysCfg.EcotoneScalars()
		if err != nil {
			return nil, err
		}
		l1BlockInfo.BlobBaseFeeScalar = blobBaseFeeScalar
		l1BlockInfo.BaseFeeScalar = baseFeeScalar
		out, err := l1BlockInfo.marshalBinaryEcotone()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal Ecotone l1 block info: %w", err)
		}
		data = out
	} else {
		l1BlockInfo.L1FeeOverhead = sysCfg.Overhead
		l1BlockInfo.L1FeeScalar = sysCfg.Scalar
		out, err := l1BlockInfo.marshalBinaryBedrock()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal Bedrock l1 block info: %w", err)
		}
		data = out
	}

	source := L1InfoDepositSource{
		L1BlockHash: block.Hash(),
		SeqNumber:   seqNumber,
	}
	// Set a very large gas limit with `IsSystemTransaction` to ensure
	// that the L1 Attributes Transaction does not run out of gas.
	out := &types.DepositTx{
		SourceHash:          source.SourceHash(),
		From:                L1InfoDepositerAddress,
		To:                  &L1BlockAddress,
		Mint:                nil,
		Value:               big.NewInt(0),
		Gas:                 150_000_000,
		IsSystemTransaction: true,
		Data:                data,
	}
	// With the regolith fork we disable the IsSystemTx functionality, and allocate real gas
	if rollupCfg.IsRegolith(l2BlockTime) {
		out.IsSystemTransaction = false
		out.Gas = RegolithSystemTxGas
	}
	return out, nil
}

// L1InfoDepositBytes returns a serialized L1-info attributes transaction.
func L1InfoDepositBytes(rollupCfg *rollup.Config, sysCfg eth.SystemConfig, seqNumber uint64, l1Info eth.BlockInfo, l2BlockTime uint64) ([]byte, error) {
	dep, err := L1InfoDeposit(rollupCfg, sysCfg, seqNumber, l1Info, l2BlockTime)
	if err != nil {
		return nil, fmt.Errorf("failed to create L1 info tx: %w", err)
	}
	l1Tx := types.NewTx(dep)
	opaqueL1Tx, err := l1Tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode L1 info tx: %w", err)
	}
	return opaqueL1Tx, nil
}

func writeSolidityABIBytes4(w io.Writer, sig []byte) error {
	_, err := w.Write(sig)
	return err
}

func writeSolidityABIUint64(w io.Writer, num uint64) error {
	var padding [24]byte
	if _, err := w.Write(padding[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, num)
}

func writeSolidityABIUint256(w io.Writer, num *big.Int) error {
	if num == nil {
		num = new(big.Int)
	}
	if num.BitLen() > 256 {
		return fmt.Errorf("number too large: %s", num)
	}
	var word [32]byte
	num.FillBytes(word[:])
	_, err := w.Write(word[:])
	return err
}

func writeSolidityABIHash(w io.Writer, h common.Hash) error {
	_, err := w.Write(h[:])
	return err
}

func writeSolidityABIAddress(w io.Writer, addr common.Address) error {
	var padding [12]byte
	if _, err := w.Write(padding[:]); err != nil {
		return err
	}
	_, err := w.Write(addr[:])
	return err
}

func readSolidityABIBytes4(r io.Reader, expected []byte) ([]byte, error) {
	var sig [4]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, fmt.Errorf("failed to read function selector: %w", err)
	}
	if !bytes.Equal(sig[:], expected) {
		return nil, fmt.Errorf("function signature mismatch: got %x, expected %x", sig, expected)
	}
	return sig[:], nil
}

func readSolidityABIUint64(r io.Reader) (uint64, error) {
	var word [32]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return 0, fmt.Errorf("failed to read uint64 word: %w", err)
	}
	for _, b := range word[:24] {
		if b != 0 {
			return 0, errors.New("number padding was not empty")
		}
	}
	return binary.BigEndian.Uint64(word[24:]), nil
}

func readSolidityABIUint256(r io.Reader) (*big.Int, error) {
	var word [32]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return nil, fmt.Errorf("failed to read uint256 word: %w", err)
	}
	return new(big.Int).SetBytes(word[:]), nil
}

func readSolidityABIHash(r io.Reader) (common.Hash, error) {
	var h common.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return common.Hash{}, fmt.Errorf("failed to read bytes32: %w", err)
	}
	return h, nil
}

func readSolidityABIAddress(r io.Reader) (common.Address, error) {
	var word [32]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return common.Address{}, fmt.Errorf("failed to read address word: %w", err)
	}
	for _, b := range word[:12] {
		if b != 0 {
			return common.Address{}, errors.New("address padding was not empty")
		}
	}
	return common.BytesToAddress(word[12:]), nil
}

func isEmptyReader(r io.Reader) bool {
	var t [1]byte
	n, err := r.Read(t[:])
	return n == 0 && err == io.EOF
}
