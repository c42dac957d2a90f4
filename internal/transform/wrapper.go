// Package transform rewrites binary packet bodies between adjacent protocol
// versions without fully decoding them. A transformation touches only the
// fields that changed shape; every other byte is carried over verbatim.
package transform

import (
	"errors"
	"fmt"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// ErrUnbalanced is returned when a transformation reads a different number of
// fields than it writes.
var ErrUnbalanced = errors.New("unbalanced transformation")

// Wrapper is a sequential typed cursor over one packet body during one
// transformation hop. Fields are read from the source body and written to
// the destination body; unread bytes are appended after the hop.
type Wrapper struct {
	src    *protocol.Reader
	dst    *protocol.Writer
	origin protocol.Direction
	from   protocol.Version
	to     protocol.Version

	reads  int
	writes int
}

func newWrapper(body []byte, origin protocol.Direction, from, to protocol.Version) *Wrapper {
	return &Wrapper{
		src:    protocol.NewReader(body),
		dst:    protocol.NewWriter(),
		origin: origin,
		from:   from,
		to:     to,
	}
}

// Origin returns the direction the packet is travelling in.
func (w *Wrapper) Origin() protocol.Direction { return w.origin }

// From returns the version the body is currently encoded for.
func (w *Wrapper) From() protocol.Version { return w.from }

// To returns the version the hop produces.
func (w *Wrapper) To() protocol.Version { return w.to }

// Remaining returns the number of source bytes not yet read.
func (w *Wrapper) Remaining() int { return w.src.Remaining() }

// finish checks the field balance and returns the rewritten body followed by
// every unread source byte.
func (w *Wrapper) finish() ([]byte, error) {
	if w.reads != w.writes {
		return nil, fmt.Errorf("%w: %d reads, %d writes", ErrUnbalanced, w.reads, w.writes)
	}
	return append(w.dst.Bytes(), w.src.Rest()...), nil
}

// Decodable constrains P to a pointer to a property type T.
type Decodable[T protocol.Property] interface {
	*T
	protocol.PropertyDecoder
}

// Read consumes the next field as T. The field must be balanced by a Write,
// or removed explicitly with Drop.
func Read[T protocol.Property, P Decodable[T]](w *Wrapper) (T, error) {
	var v T
	if err := P(&v).Decode(w.src); err != nil {
		return v, fmt.Errorf("failed to read %T at offset %d: %w", v, w.src.Position(), err)
	}
	w.reads++
	return v, nil
}

// Write appends v to the destination body.
func Write[T protocol.Property](w *Wrapper, v T) {
	v.Encode(w.dst)
	w.writes++
}

// Passthrough reads the next field as T and writes it back unchanged.
func Passthrough[T protocol.Property, P Decodable[T]](w *Wrapper) (T, error) {
	v, err := Read[T, P](w)
	if err != nil {
		return v, err
	}
	Write(w, v)
	return v, nil
}

// Drop consumes the next field as T and removes it from the output.
func Drop[T protocol.Property, P Decodable[T]](w *Wrapper) error {
	if _, err := Read[T, P](w); err != nil {
		return err
	}
	w.writes++
	return nil
}

// Insert appends a field that has no counterpart in the source body.
func Insert[T protocol.Property](w *Wrapper, v T) {
	Write(w, v)
	w.reads++
}
