// Package protocol implements the wire primitives of the proxied game
// protocol: VarInt codecs, a bounds-checked body cursor, a body builder,
// typed field properties, protocol versions, connection phases and the
// message representations that flow through a channel. All fixed-width
// integers are big-endian; frames carry a VarInt length prefix.
package protocol

import "fmt"

// MaxFrameSize is the largest frame length accepted on the wire
// (the maximum value of a 3-byte VarInt).
const MaxFrameSize = 2097151

// LegacyPingByte starts a pre-netty server list ping, which carries no
// VarInt length prefix and is not supported.
const LegacyPingByte byte = 0xFE

// Kind names a packet kind independently of its wire id.
type Kind string

// Packet is a decoded packet kind. Encode and Decode cover the body only;
// the id is resolved through the registry for the version in effect.
type Packet interface {
	Kind() Kind
	Decode(r *Reader, v Version) error
	Encode(w *Writer, v Version) error
}

// Message is a unit flowing through a channel. Its representation depends on
// how deep in the pipeline it was produced.
type Message interface {
	isMessage()
}

// RawBuffer is an undecoded byte span written below the framer.
type RawBuffer []byte

// BinaryPacket is a framed packet whose body has not been decoded.
type BinaryPacket struct {
	ID   int32
	Body []byte
}

// TypedPacket wraps a decoded packet kind.
type TypedPacket struct {
	Packet Packet
}

func (RawBuffer) isMessage()    {}
func (BinaryPacket) isMessage() {}
func (TypedPacket) isMessage()  {}

// Payload returns [id:varint][body...].
func (p BinaryPacket) Payload() []byte {
	return AppendPayload(make([]byte, 0, MaxVarIntLen+len(p.Body)), p.ID, p.Body)
}

func (p BinaryPacket) String() string {
	return fmt.Sprintf("BinaryPacket[id=0x%02X, %d bytes]", p.ID, len(p.Body))
}

// ParsePayload splits [id:varint][body...] into a BinaryPacket. The body
// aliases payload.
func ParsePayload(payload []byte) (BinaryPacket, error) {
	r := NewReader(payload)
	id, err := r.ReadVarInt()
	if err != nil {
		return BinaryPacket{}, fmt.Errorf("failed to read packet id: %w", err)
	}
	return BinaryPacket{ID: id, Body: r.Rest()}, nil
}

// EncodeTyped encodes p into a BinaryPacket using id.
func EncodeTyped(p Packet, id int32, v Version) (BinaryPacket, error) {
	w := NewWriter()
	if err := p.Encode(w, v); err != nil {
		return BinaryPacket{}, fmt.Errorf("failed to encode %s: %w", p.Kind(), err)
	}
	return BinaryPacket{ID: id, Body: w.Bytes()}, nil
}

// DecodeBody decodes body into p and requires that every byte is consumed.
func DecodeBody(p Packet, body []byte, v Version) error {
	r := NewReader(body)
	if err := p.Decode(r, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", p.Kind(), err)
	}
	if err := r.Finish(); err != nil {
		return fmt.Errorf("failed to decode %s: %w", p.Kind(), err)
	}
	return nil
}
