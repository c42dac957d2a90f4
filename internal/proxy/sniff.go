package proxy

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/energizer-project/linkproxy/internal/packets"
	"github.com/energizer-project/linkproxy/internal/protocol"
)

const (
	// legacyPing is the first byte of the pre-netty server list ping.
	legacyPing       = 0xFE
	maxHandshakeSize = 2048
	handshakeID      = 0x00
)

var (
	ErrLegacyPing   = errors.New("legacy server list ping")
	ErrNotHandshake = errors.New("first packet is not a handshake")
)

// byteReader reads one byte at a time so the length prefix never over-reads.
type byteReader struct {
	r   io.Reader
	one [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.one[:]); err != nil {
		return 0, err
	}
	return b.one[0], nil
}

// sniffed is the decoded first frame of a player connection along with the
// exact bytes it was read from.
type sniffed struct {
	handshake packets.Handshake
	raw       []byte
}

// Host returns the virtual host the player dialed, without the suffixes
// mod loaders append after a NUL byte and without a trailing dot.
func (s *sniffed) Host() string {
	host, _, _ := strings.Cut(s.handshake.ServerAddress, "\x00")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// sniffHandshake reads and decodes the first frame from r. The returned raw
// bytes re-frame the payload so the link can read the handshake again.
func sniffHandshake(r io.Reader) (*sniffed, error) {
	br := &byteReader{r: r}
	first, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	if first == legacyPing {
		return nil, ErrLegacyPing
	}

	length, err := protocol.ReadVarInt(&prefixed{first: first, next: br})
	if err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if length <= 0 || length > maxHandshakeSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrNotHandshake, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}

	pkt, err := protocol.ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	if pkt.ID != handshakeID {
		return nil, fmt.Errorf("%w: id 0x%02X", ErrNotHandshake, pkt.ID)
	}
	s := &sniffed{}
	if err := protocol.DecodeBody(&s.handshake, pkt.Body, protocol.UnknownVersion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHandshake, err)
	}

	s.raw = protocol.AppendVarInt(make([]byte, 0, protocol.MaxVarIntLen+len(payload)), length)
	s.raw = append(s.raw, payload...)
	return s, nil
}

// prefixed yields first and then delegates to next.
type prefixed struct {
	first byte
	used  bool
	next  io.ByteReader
}

func (p *prefixed) ReadByte() (byte, error) {
	if !p.used {
		p.used = true
		return p.first, nil
	}
	return p.next.ReadByte()
}

// loginDisconnect builds a complete login-phase Disconnect frame.
func loginDisconnect(text string) []byte {
	reason := packets.NewTextDisconnect(text)
	w := protocol.NewWriter()
	_ = reason.Encode(w, protocol.UnknownVersion)
	return protocol.AppendFrame(nil, 0x00, w.Bytes())
}
