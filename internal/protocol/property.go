package protocol

import "github.com/google/uuid"

// Property is a typed wire field that can encode itself.
type Property interface {
	Encode(w *Writer)
}

// PropertyDecoder is implemented by pointers to property types.
type PropertyDecoder interface {
	Decode(r *Reader) error
}

// Field types. Each maps one wire representation to a Go value.
type (
	VarInt        int32
	VarLong       int64
	Bool          bool
	Byte          uint8
	UnsignedShort uint16
	Int           int32
	Long          int64
	Float         float32
	Double        float64
	String        string
	ByteArray     []byte
	UUID          uuid.UUID
	// Rest captures every remaining byte of a body.
	Rest []byte
)

func (v VarInt) Encode(w *Writer) { w.WriteVarInt(int32(v)) }

func (v *VarInt) Decode(r *Reader) error {
	x, err := r.ReadVarInt()
	*v = VarInt(x)
	return err
}

func (v VarLong) Encode(w *Writer) { w.WriteVarLong(int64(v)) }

func (v *VarLong) Decode(r *Reader) error {
	x, err := r.ReadVarLong()
	*v = VarLong(x)
	return err
}

func (v Bool) Encode(w *Writer) { w.WriteBool(bool(v)) }

func (v *Bool) Decode(r *Reader) error {
	x, err := r.ReadBool()
	*v = Bool(x)
	return err
}

func (v Byte) Encode(w *Writer) { w.WriteUint8(uint8(v)) }

func (v *Byte) Decode(r *Reader) error {
	x, err := r.ReadByte()
	*v = Byte(x)
	return err
}

func (v UnsignedShort) Encode(w *Writer) { w.WriteUint16(uint16(v)) }

func (v *UnsignedShort) Decode(r *Reader) error {
	x, err := r.ReadUint16()
	*v = UnsignedShort(x)
	return err
}

func (v Int) Encode(w *Writer) { w.WriteInt32(int32(v)) }

func (v *Int) Decode(r *Reader) error {
	x, err := r.ReadInt32()
	*v = Int(x)
	return err
}

func (v Long) Encode(w *Writer) { w.WriteInt64(int64(v)) }

func (v *Long) Decode(r *Reader) error {
	x, err := r.ReadInt64()
	*v = Long(x)
	return err
}

func (v Float) Encode(w *Writer) { w.WriteFloat32(float32(v)) }

func (v *Float) Decode(r *Reader) error {
	x, err := r.ReadFloat32()
	*v = Float(x)
	return err
}

func (v Double) Encode(w *Writer) { w.WriteFloat64(float64(v)) }

func (v *Double) Decode(r *Reader) error {
	x, err := r.ReadFloat64()
	*v = Double(x)
	return err
}

func (v String) Encode(w *Writer) { w.WriteString(string(v)) }

func (v *String) Decode(r *Reader) error {
	x, err := r.ReadString(0)
	*v = String(x)
	return err
}

func (v ByteArray) Encode(w *Writer) { w.WriteByteArray(v) }

func (v *ByteArray) Decode(r *Reader) error {
	x, err := r.ReadByteArray()
	*v = append(ByteArray(nil), x...)
	return err
}

func (v UUID) Encode(w *Writer) { w.WriteUUID(uuid.UUID(v)) }

func (v *UUID) Decode(r *Reader) error {
	x, err := r.ReadUUID()
	*v = UUID(x)
	return err
}

func (v Rest) Encode(w *Writer) { w.WriteBytes(v) }

func (v *Rest) Decode(r *Reader) error {
	*v = append(Rest(nil), r.Rest()...)
	return nil
}
