package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Writer builds packet bodies. Methods are chainable; writes to the
// underlying bytes.Buffer cannot fail.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Reset clears the writer for reuse.
func (w *Writer) Reset() {
	w.buf.Reset()
}

// WriteUint8 writes a single byte.
func (w *Writer) WriteUint8(v byte) *Writer {
	w.buf.WriteByte(v)
	return w
}

// WriteBool writes a one-byte boolean.
func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

// WriteVarInt writes a VarInt.
func (w *Writer) WriteVarInt(v int32) *Writer {
	var scratch [MaxVarIntLen]byte
	w.buf.Write(AppendVarInt(scratch[:0], v))
	return w
}

// WriteVarLong writes a VarLong.
func (w *Writer) WriteVarLong(v int64) *Writer {
	var scratch [MaxVarLongLen]byte
	w.buf.Write(AppendVarLong(scratch[:0], v))
	return w
}

// WriteUint16 writes a uint16 in big-endian order.
func (w *Writer) WriteUint16(v uint16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
	return w
}

// WriteInt32 writes an int32 in big-endian order.
func (w *Writer) WriteInt32(v int32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
	return w
}

// WriteInt64 writes an int64 in big-endian order.
func (w *Writer) WriteInt64(v int64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
	return w
}

// WriteFloat32 writes a float32 in big-endian order.
func (w *Writer) WriteFloat32(v float32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	w.buf.Write(b[:])
	return w
}

// WriteFloat64 writes a float64 in big-endian order.
func (w *Writer) WriteFloat64(v float64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf.Write(b[:])
	return w
}

// WriteString writes a VarInt length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) *Writer {
	w.WriteVarInt(int32(len(s)))
	w.buf.WriteString(s)
	return w
}

// WriteByteArray writes a VarInt length-prefixed byte array.
func (w *Writer) WriteByteArray(data []byte) *Writer {
	w.WriteVarInt(int32(len(data)))
	w.buf.Write(data)
	return w
}

// WriteUUID writes the 16 raw bytes of id.
func (w *Writer) WriteUUID(id uuid.UUID) *Writer {
	w.buf.Write(id[:])
	return w
}

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(data []byte) *Writer {
	w.buf.Write(data)
	return w
}

// Bytes returns the constructed body.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the current size of the body being built.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// String returns a hex dump of the current body for debugging.
func (w *Writer) String() string {
	data := w.buf.Bytes()
	return fmt.Sprintf("Writer[%d bytes]: %x", len(data), data)
}

// ---- Frame helpers ----

// AppendFrame appends a complete uncompressed frame to dst:
// [length:varint][id:varint][body...]
func AppendFrame(dst []byte, id int32, body []byte) []byte {
	dst = AppendVarInt(dst, int32(VarIntSize(id)+len(body)))
	dst = AppendVarInt(dst, id)
	return append(dst, body...)
}

// AppendPayload appends [id:varint][body...] without a length prefix.
func AppendPayload(dst []byte, id int32, body []byte) []byte {
	dst = AppendVarInt(dst, id)
	return append(dst, body...)
}
