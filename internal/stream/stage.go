// Package stream implements the layered byte pipeline of one connection
// side: raw socket I/O, CFB-8 encryption, threshold compression and packet
// framing, composed bottom-up inside a Channel.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// Stage kinds.
const (
	KindRaw         = "raw"
	KindCipher      = "cipher"
	KindCompression = "compression"
	KindFramer      = "framer"
)

var (
	// ErrConfiguration is returned synchronously when a pipeline mutation
	// would produce an invalid stage order. The channel is left unchanged.
	ErrConfiguration = errors.New("invalid channel configuration")
	// ErrChannelClosed is returned by every operation on a dead channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrStageNotFound is returned when no stage of the requested type exists.
	ErrStageNotFound = errors.New("stage not found")
	// ErrFrameTooLarge is returned for frames over the size limit of the
	// stage reading or writing them.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Stage is one byte transform in a channel. Reads pull from the stage
// below; writes push into it. Stages never read ahead of what they return,
// so a stage inserted below them sees every byte not yet consumed.
type Stage interface {
	io.Reader
	io.Writer

	Kind() string
	CanRead() bool
	CanWrite() bool
	IsAlive() bool
	Flush() error
	Close() error

	// Attach connects the stage to the one beneath it.
	Attach(below Stage)
}

// MessageReader is implemented by stages that produce whole messages.
type MessageReader interface {
	ReadMessage() (protocol.Message, error)
}

// MessageWriter is implemented by stages that consume whole messages.
type MessageWriter interface {
	WriteMessage(msg protocol.Message) error
}

// layer holds the state shared by every non-raw stage.
type layer struct {
	below  Stage
	failed atomic.Bool
}

func (l *layer) Attach(below Stage) { l.below = below }

func (l *layer) CanRead() bool { return l.below != nil && l.below.CanRead() }

func (l *layer) CanWrite() bool { return l.below != nil && l.below.CanWrite() }

func (l *layer) IsAlive() bool {
	return !l.failed.Load() && l.below != nil && l.below.IsAlive()
}

func (l *layer) Flush() error {
	if l.below == nil {
		return nil
	}
	return l.below.Flush()
}

// fail marks the stage dead and passes err through.
func (l *layer) fail(err error) error {
	if err != nil {
		l.failed.Store(true)
	}
	return err
}

// byteReader reads one byte at a time so VarInt prefixes never over-read.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// readFrame reads one [length][data] frame of at most max bytes from r.
func readFrame(r io.Reader, max int) ([]byte, error) {
	length, err := protocol.ReadVarInt(&byteReader{r: r})
	if err != nil {
		return nil, err
	}
	if length < 0 || int(length) > max {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
