package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// MaxUncompressedSize bounds the declared size of a compressed payload.
const MaxUncompressedSize = 8 * 1024 * 1024

// ErrBadCompression is returned for frames whose declared and actual
// uncompressed sizes disagree, or that are compressed below the threshold.
var ErrBadCompression = errors.New("bad compressed frame")

// CompressionStage translates between compressed frames below it,
// [packetLength][dataLength][data], and plain frames above it,
// [length][payload]. Payloads of at least Threshold bytes are zlib
// compressed on write; smaller ones are sent with dataLength 0.
type CompressionStage struct {
	layer
	threshold int

	// read side: one decoded plain frame waiting to be consumed
	plain bytes.Buffer

	// write side: plain frame bytes not yet forming a complete frame
	pending []byte
	zbuf    bytes.Buffer
	zw      *zlib.Writer
}

// NewCompressionStage creates a compression stage with the given threshold.
func NewCompressionStage(threshold int) (*CompressionStage, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: negative compression threshold %d", ErrConfiguration, threshold)
	}
	s := &CompressionStage{threshold: threshold}
	zw, err := zlib.NewWriterLevel(&s.zbuf, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib writer: %w", err)
	}
	s.zw = zw
	return s, nil
}

func (s *CompressionStage) Kind() string { return KindCompression }

// Threshold returns the configured compression threshold.
func (s *CompressionStage) Threshold() int { return s.threshold }

// Read returns bytes of plain frames, decoding one compressed frame from
// below whenever the previous one has been fully consumed.
func (s *CompressionStage) Read(p []byte) (int, error) {
	if s.plain.Len() == 0 {
		if err := s.decodeFrame(); err != nil {
			return 0, err
		}
	}
	return s.plain.Read(p)
}

func (s *CompressionStage) decodeFrame() error {
	frame, err := readFrame(s.below, protocol.MaxFrameSize)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		return s.fail(err)
	}

	r := protocol.NewReader(frame)
	dataLength, err := r.ReadVarInt()
	if err != nil {
		return s.fail(fmt.Errorf("failed to read data length: %w", err))
	}

	var payload []byte
	switch {
	case dataLength == 0:
		payload = r.Rest()
	case dataLength < 0 || dataLength > MaxUncompressedSize:
		return s.fail(fmt.Errorf("%w: declared size %d", ErrBadCompression, dataLength))
	case int(dataLength) < s.threshold:
		return s.fail(fmt.Errorf("%w: size %d below threshold %d", ErrBadCompression, dataLength, s.threshold))
	default:
		payload, err = inflate(r.Rest(), int(dataLength))
		if err != nil {
			return s.fail(err)
		}
	}

	s.plain.Reset()
	s.plain.Write(protocol.AppendVarInt(nil, int32(len(payload))))
	s.plain.Write(payload)
	return nil
}

func inflate(data []byte, size int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	// the stream must end exactly at the declared size
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: payload exceeds declared size %d", ErrBadCompression, size)
	}
	return out, nil
}

// Write accepts plain frame bytes and emits one compressed frame below for
// every complete plain frame.
func (s *CompressionStage) Write(p []byte) (int, error) {
	s.pending = append(s.pending, p...)
	for {
		length, n, err := protocol.DecodeVarInt(s.pending)
		if err != nil {
			return 0, s.fail(err)
		}
		if n == 0 || len(s.pending) < n+int(length) {
			break
		}
		payload := s.pending[n : n+int(length)]
		s.pending = s.pending[n+int(length):]
		if err := s.writeFrame(payload); err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				// nothing was written; the stream stays in sync
				if len(s.pending) == 0 {
					s.pending = nil
				}
				return 0, err
			}
			return 0, s.fail(err)
		}
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return len(p), nil
}

func (s *CompressionStage) writeFrame(payload []byte) error {
	var frame []byte
	if len(payload) < s.threshold {
		if 1+len(payload) > protocol.MaxFrameSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, 1+len(payload))
		}
		frame = protocol.AppendVarInt(nil, int32(1+len(payload)))
		frame = append(frame, 0)
		frame = append(frame, payload...)
	} else {
		s.zbuf.Reset()
		s.zw.Reset(&s.zbuf)
		if _, err := s.zw.Write(payload); err != nil {
			return fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := s.zw.Close(); err != nil {
			return fmt.Errorf("failed to compress payload: %w", err)
		}
		dataLength := protocol.AppendVarInt(nil, int32(len(payload)))
		if size := len(dataLength) + s.zbuf.Len(); size > protocol.MaxFrameSize {
			return fmt.Errorf("%w: %d bytes compressed", ErrFrameTooLarge, size)
		}
		frame = protocol.AppendVarInt(nil, int32(len(dataLength)+s.zbuf.Len()))
		frame = append(frame, dataLength...)
		frame = append(frame, s.zbuf.Bytes()...)
	}

	if _, err := s.below.Write(frame); err != nil {
		return err
	}
	return nil
}

func (s *CompressionStage) Close() error {
	return nil
}
