// Package nonce implements the 48-bit nonce used by the construct miner: the
// conversions between its fixed-width and trimmed byte forms, the in-place
// carry increment used by hash workers, and the partitioning of the nonce
// space into per-worker batches.
package nonce

import (
	"encoding/hex"
	"fmt"

	"github.com/bardlex/gocm/pkg/errors"
)

const (
	// Width is the number of bytes in the fixed-width nonce form.
	Width = 6
	// HexWidth is the number of hex characters of the fixed-width form.
	HexWidth = Width * 2
	// Max is the largest nonce value, 2^48-1.
	Max uint64 = 1<<(8*Width) - 1
)

// Fixed is the zero-padded big-endian form that lives inside a serialized
// record. Its length never changes.
type Fixed [Width]byte

// BufferToNumber interprets up to six bytes as a big-endian unsigned integer.
func BufferToNumber(buf []byte) (uint64, error) {
	if len(buf) > Width {
		return 0, errors.Wrap(errors.ErrBufferTooLarge, errors.ErrorTypeCodec, "buffer_to_number",
			fmt.Sprintf("got %d bytes, max %d", len(buf), Width))
	}

	var n uint64
	for _, b := range buf {
		n = n<<8 | uint64(b)
	}
	return n, nil
}

// NumberToBuffer returns the trimmed big-endian bytes of n. Zero encodes as a
// single zero byte.
func NumberToBuffer(n uint64) ([]byte, error) {
	if n > Max {
		return nil, errors.Wrap(errors.ErrNonceOutOfRange, errors.ErrorTypeCodec, "number_to_buffer",
			fmt.Sprintf("%d exceeds %d", n, Max))
	}

	var f Fixed
	PutFixed(&f, n)

	i := 0
	for i < Width-1 && f[i] == 0 {
		i++
	}
	out := make([]byte, Width-i)
	copy(out, f[i:])
	return out, nil
}

// PutFixed writes the low 48 bits of n into dst, zero padded.
func PutFixed(dst *Fixed, n uint64) {
	for i := Width - 1; i >= 0; i-- {
		dst[i] = byte(n)
		n >>= 8
	}
}

// Number returns the value held by the fixed-width form.
func (f Fixed) Number() uint64 {
	n, _ := BufferToNumber(f[:])
	return n
}

// Hex renders the fixed-width form, always HexWidth characters.
func (f Fixed) Hex() string {
	return hex.EncodeToString(f[:])
}

// FixedHex renders n in the fixed-width form used inside records.
func FixedHex(n uint64) (string, error) {
	if n > Max {
		return "", errors.Wrap(errors.ErrNonceOutOfRange, errors.ErrorTypeCodec, "fixed_hex",
			fmt.Sprintf("%d exceeds %d", n, Max))
	}
	var f Fixed
	PutFixed(&f, n)
	return f.Hex(), nil
}

// TrimmedHex renders n in the trimmed form used when a nonce travels on its
// own, e.g. in status events.
func TrimmedHex(n uint64) (string, error) {
	b, err := NumberToBuffer(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ParseHex decodes either nonce form back into its value.
func ParseHex(s string) (uint64, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeCodec, "parse_hex", "nonce is not valid hex")
	}
	return BufferToNumber(b)
}

// IncrementInPlace adds one to the big-endian integer held in buf[start:end].
// Bytes equal to 0xff roll over to zero and carry left. If every byte in the
// range rolled over, ErrNonceOverflow is returned and the range is all zero.
func IncrementInPlace(buf []byte, start, end int) error {
	for i := end - 1; i >= start; i-- {
		if buf[i] != 0xff {
			buf[i]++
			return nil
		}
		buf[i] = 0
	}
	return errors.Wrap(errors.ErrNonceOverflow, errors.ErrorTypeCodec, "increment",
		fmt.Sprintf("carry past byte %d", start))
}
