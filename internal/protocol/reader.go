package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Cursor errors. Both indicate a protocol desync and are fatal to the link.
var (
	ErrEndOfBuffer  = errors.New("read past end of buffer")
	ErrTrailingData = errors.New("trailing data after decode")
)

// Reader is a bounds-checked cursor over a packet body.
// All multi-byte integers are big-endian.
type Reader struct {
	buf []byte
	pos int
}

// NewReader creates a Reader over b. The slice is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Position returns the number of bytes consumed so far.
func (r *Reader) Position() int {
	return r.pos
}

// Finish reports ErrTrailingData if any bytes were left unread.
func (r *Reader) Finish() error {
	if n := r.Remaining(); n > 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, n)
	}
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrEndOfBuffer, n, r.Remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadByte reads a single byte. It satisfies io.ByteReader so the VarInt
// decoder can run directly on the cursor.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBytes reads exactly n bytes. The returned slice aliases the buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.take(n)
}

// Rest consumes and returns every remaining byte.
func (r *Reader) Rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

// ReadVarInt reads a VarInt. Running out of bytes mid-value is reported as
// ErrEndOfBuffer rather than io.ErrUnexpectedEOF.
func (r *Reader) ReadVarInt() (int32, error) {
	v, n, err := DecodeVarInt(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: truncated varint", ErrEndOfBuffer)
	}
	r.pos += n
	return v, nil
}

// ReadVarLong reads a VarLong.
func (r *Reader) ReadVarLong() (int64, error) {
	var result uint64
	for i := 0; i < MaxVarLongLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&segmentBits) << (segmentShift * i)
		if b&continueBit == 0 {
			return int64(result), nil
		}
	}
	return 0, fmt.Errorf("%w: more than %d bytes", ErrMalformedVarInt, MaxVarLongLen)
}

// ReadBool reads a one-byte boolean.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// ReadUint16 reads a big-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadInt32 reads a big-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// ReadFloat32 reads a big-endian IEEE-754 float.
func (r *Reader) ReadFloat32() (float32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// ReadFloat64 reads a big-endian IEEE-754 double.
func (r *Reader) ReadFloat64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// ReadByteArray reads a VarInt length-prefixed byte array.
func (r *Reader) ReadByteArray() ([]byte, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("failed to read array length: %w", err)
	}
	return r.take(int(n))
}

// ReadString reads a VarInt length-prefixed UTF-8 string of at most max
// characters. A max of 0 disables the character limit.
func (r *Reader) ReadString(max int) (string, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return "", fmt.Errorf("failed to read string length: %w", err)
	}
	if max > 0 && int(n) > max*utf8.UTFMax {
		return "", fmt.Errorf("string too long: %d bytes (max %d chars)", n, max)
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	s := string(b)
	if max > 0 && utf8.RuneCountInString(s) > max {
		return "", fmt.Errorf("string too long: %d chars (max %d)", utf8.RuneCountInString(s), max)
	}
	return s, nil
}

// ReadUUID reads a 16-byte UUID.
func (r *Reader) ReadUUID() (uuid.UUID, error) {
	b, err := r.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(b)
}
