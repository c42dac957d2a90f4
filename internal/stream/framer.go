package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// Encoder resolves the wire id of a typed packet and encodes its body.
type Encoder interface {
	EncodePacket(p protocol.Packet) (protocol.BinaryPacket, error)
}

// FramerStage splits the byte stream into [length][id][body] frames and
// produces BinaryPacket messages. Raw bytes pass through unchanged.
type FramerStage struct {
	layer

	mu      sync.RWMutex
	encoder Encoder
}

// NewFramerStage creates a framer.
func NewFramerStage() *FramerStage {
	return &FramerStage{}
}

func (s *FramerStage) Kind() string { return KindFramer }

// SetEncoder sets the encoder used for TypedPacket writes.
func (s *FramerStage) SetEncoder(e Encoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoder = e
}

func (s *FramerStage) Read(p []byte) (int, error) {
	return s.below.Read(p)
}

func (s *FramerStage) Write(p []byte) (int, error) {
	return s.below.Write(p)
}

// maxPayload is the largest [id][body] payload the framer accepts. Above a
// compression stage the wire limit applies to the compressed frame, so the
// plain frame may grow to the largest declared uncompressed size.
func (s *FramerStage) maxPayload() int {
	if _, ok := s.below.(*CompressionStage); ok {
		return MaxUncompressedSize
	}
	return protocol.MaxFrameSize
}

// ReadMessage reads one frame and returns it as a BinaryPacket.
func (s *FramerStage) ReadMessage() (protocol.Message, error) {
	frame, err := readFrame(s.below, s.maxPayload())
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		return nil, s.fail(fmt.Errorf("failed to read frame: %w", err))
	}
	if len(frame) == 0 {
		return nil, s.fail(fmt.Errorf("failed to read frame: %w", protocol.ErrEndOfBuffer))
	}
	pkt, err := protocol.ParsePayload(frame)
	if err != nil {
		return nil, s.fail(err)
	}
	return pkt, nil
}

// WriteMessage frames msg and writes it below. RawBuffer messages are
// written verbatim.
func (s *FramerStage) WriteMessage(msg protocol.Message) error {
	var pkt protocol.BinaryPacket
	switch m := msg.(type) {
	case protocol.RawBuffer:
		if _, err := s.below.Write(m); err != nil {
			return s.fail(err)
		}
		return nil
	case protocol.BinaryPacket:
		pkt = m
	case protocol.TypedPacket:
		s.mu.RLock()
		enc := s.encoder
		s.mu.RUnlock()
		if enc == nil {
			return fmt.Errorf("%w: no encoder for typed packet %s", ErrConfiguration, m.Packet.Kind())
		}
		var err error
		if pkt, err = enc.EncodePacket(m.Packet); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported message type %T", msg)
	}

	if size := protocol.VarIntSize(pkt.ID) + len(pkt.Body); size > s.maxPayload() {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	out := protocol.AppendFrame(nil, pkt.ID, pkt.Body)
	if _, err := s.below.Write(out); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		return s.fail(err)
	}
	return nil
}

func (s *FramerStage) Close() error { return nil }
