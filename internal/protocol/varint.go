package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Variable-length integer limits.
const (
	MaxVarIntLen  = 5
	MaxVarLongLen = 10

	segmentBits  = 0x7F
	continueBit  = 0x80
	segmentShift = 7
)

// ErrMalformedVarInt is returned when a variable-length integer carries more
// continuation bytes than its width allows.
var ErrMalformedVarInt = errors.New("malformed varint")

// VarIntSize returns the number of bytes needed to encode v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= continueBit {
		u >>= segmentShift
		n++
	}
	return n
}

// AppendVarInt appends the encoding of v to b.
// Groups are emitted least significant first, 7 bits per byte.
func AppendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for u >= continueBit {
		b = append(b, byte(u&segmentBits)|continueBit)
		u >>= segmentShift
	}
	return append(b, byte(u))
}

// AppendVarLong appends the encoding of a 64-bit v to b.
func AppendVarLong(b []byte, v int64) []byte {
	u := uint64(v)
	for u >= continueBit {
		b = append(b, byte(u&segmentBits)|continueBit)
		u >>= segmentShift
	}
	return append(b, byte(u))
}

// WriteVarInt writes v to w.
func WriteVarInt(w io.Writer, v int32) error {
	var scratch [MaxVarIntLen]byte
	_, err := w.Write(AppendVarInt(scratch[:0], v))
	return err
}

// ReadVarInt reads a VarInt from r. A clean io.EOF is returned only when no
// byte was consumed; a stream ending mid-value yields io.ErrUnexpectedEOF.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var result uint32
	for i := 0; i < MaxVarIntLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		result |= uint32(b&segmentBits) << (segmentShift * i)
		if b&continueBit == 0 {
			return int32(result), nil
		}
	}
	return 0, fmt.Errorf("%w: more than %d bytes", ErrMalformedVarInt, MaxVarIntLen)
}

// ReadVarLong reads a VarLong from r.
func ReadVarLong(r io.ByteReader) (int64, error) {
	var result uint64
	for i := 0; i < MaxVarLongLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		result |= uint64(b&segmentBits) << (segmentShift * i)
		if b&continueBit == 0 {
			return int64(result), nil
		}
	}
	return 0, fmt.Errorf("%w: more than %d bytes", ErrMalformedVarInt, MaxVarLongLen)
}

// DecodeVarInt decodes a VarInt from the start of b and returns the value and
// the number of bytes consumed. If b holds only a prefix of a valid VarInt,
// n is 0 and err is nil so callers can wait for more data.
func DecodeVarInt(b []byte) (v int32, n int, err error) {
	var result uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, nil
		}
		result |= uint32(b[i]&segmentBits) << (segmentShift * i)
		if b[i]&continueBit == 0 {
			return int32(result), i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: more than %d bytes", ErrMalformedVarInt, MaxVarIntLen)
}
