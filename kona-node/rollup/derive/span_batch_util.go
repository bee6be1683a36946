package derive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// decodeSpanBatchBits decodes a standard span-batch bitlist.
// The bitlist is encoded as big-endian integer, left-padded with zeroes to a multiple of 8 bits.
// The encoded bitlist cannot be longer than MaxSpanBatchElementCount.
func decodeSpanBatchBits(r *bytes.Reader, bitLength uint64) (*big.Int, error) {
	// Round up, ensure enough bytes when number of bits is not a multiple of 8.
	// Alternative of (L+7)/8 is not overflow-safe.
	bufLen := bitLength / 8
	if bitLength%8 != 0 {
		bufLen++
	}
	if bufLen > uint64(r.Len()) {
		return nil, fmt.Errorf("failed to read bits: %w", io.ErrUnexpectedEOF)
	}
	buf := make([]byte, bufLen)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read bits: %w", err)
	}
	out := new(big.Int)
	out.SetBytes(buf)
	// We read the correct number of bytes, but there may still be trailing bits
	if l := uint64(out.BitLen()); l > bitLength {
		return nil, fmt.Errorf("bitfield has %d bits, but expected no more than %d", l, bitLength)
	}
	return out, nil
}

// encodeSpanBatchBits encodes a standard span-batch bitlist.
// The bitlist is encoded as big-endian integer, left-padded with zeroes to a multiple of 8 bits.
func encodeSpanBatchBits(w io.Writer, bitLength uint64, bits *big.Int) error {
	if l := uint64(bits.BitLen()); l > bitLength {
		return fmt.Errorf("bitfield is larger than bitLength: %d > %d", l, bitLength)
	}
	bufLen := bitLength / 8
	if bitLength%8 != 0 {
		bufLen++
	}
	if bufLen > MaxSpanBatchElementCount/8 {
		return ErrTooBigSpanBatchSize
	}
	buf := make([]byte, bufLen)
	buf = bits.FillBytes(buf)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("cannot write bits: %w", err)
	}
	return nil
}

// ReadTxData reads one span-batch transaction payload: an optional EIP-2718 type byte followed by
// a single RLP list. It returns the raw payload and the transaction type.
func ReadTxData(r *bytes.Reader) ([]byte, int, error) {
	var txData []byte
	offset, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to seek tx reader: %w", err)
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read tx initial byte: %w", err)
	}
	txType := byte(0)
	if int(b) <= 0x7F {
		// EIP-2718: non legacy tx so write tx type
		txType = b
		txData = append(txData, txType)
	} else {
		// legacy tx: seek back single byte to read prefix again
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("failed to seek tx reader: %w", err)
		}
	}
	// avoid out of memory before allocation
	s := rlp.NewStream(r, uint64(r.Len()))
	var txPayload []byte
	kind, _, err := s.Kind()
	switch {
	case err != nil:
		if errors.Is(err, rlp.ErrValueTooLarge) {
			return nil, 0, ErrTooBigSpanBatchSize
		}
		return nil, 0, fmt.Errorf("failed to read tx RLP prefix: %w", err)
	case kind == rlp.List:
		if txPayload, err = s.Raw(); err != nil {
			return nil, 0, fmt.Errorf("failed to read tx RLP payload: %w", err)
		}
	default:
		return nil, 0, errors.New("tx RLP prefix type must be list")
	}
	txData = append(txData, txPayload...)
	return txData, int(txType), nil
}
