package stream

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

const rawReadBufferSize = 4096

// RawStage wraps the socket. It is always the bottom stage of a channel and
// the only one holding read-ahead, which is safe because every other stage
// sits above it.
type RawStage struct {
	conn   net.Conn
	reader *bufio.Reader

	mu       sync.Mutex
	prepend  []byte
	closed   bool
	lastRead time.Time
}

// NewRawStage wraps conn.
func NewRawStage(conn net.Conn) *RawStage {
	return &RawStage{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, rawReadBufferSize),
		lastRead: time.Now(),
	}
}

func (s *RawStage) Kind() string { return KindRaw }

// Attach is a no-op: nothing sits below the socket.
func (s *RawStage) Attach(Stage) {}

func (s *RawStage) CanRead() bool  { return s.IsAlive() }
func (s *RawStage) CanWrite() bool { return s.IsAlive() }

func (s *RawStage) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Prepend re-injects bytes in front of the read stream. Bytes from earlier
// calls to Prepend are read after b.
func (s *RawStage) Prepend(b []byte) {
	if len(b) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 0, len(b)+len(s.prepend))
	buf = append(buf, b...)
	s.prepend = append(buf, s.prepend...)
}

// WaitReadable blocks until at least one byte can be read without
// consuming it.
func (s *RawStage) WaitReadable() error {
	s.mu.Lock()
	pending := len(s.prepend) > 0
	s.mu.Unlock()
	if pending {
		return nil
	}
	if _, err := s.reader.Peek(1); err != nil {
		return err
	}
	return nil
}

// Read serves prepended bytes first, then the socket.
func (s *RawStage) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.prepend) > 0 {
		n := copy(p, s.prepend)
		s.prepend = s.prepend[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	n, err := s.reader.Read(p)
	if n > 0 {
		s.mu.Lock()
		s.lastRead = time.Now()
		s.mu.Unlock()
	}
	return n, err
}

// Write writes p to the socket in full.
func (s *RawStage) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to socket: %w", err)
	}
	return n, nil
}

// Flush is a no-op; writes go straight to the socket.
func (s *RawStage) Flush() error { return nil }

// Close closes the socket.
func (s *RawStage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// LastRead returns the time of the last successful socket read.
func (s *RawStage) LastRead() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRead
}

// RemoteAddr returns the remote address of the socket.
func (s *RawStage) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
