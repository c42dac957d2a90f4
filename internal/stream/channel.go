package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// Operation selects the half of a channel to pause or resume.
type Operation int

const (
	OpRead Operation = 1 << iota
	OpWrite

	OpBoth = OpRead | OpWrite
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpBoth:
		return "read+write"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

var (
	ErrAlreadyPaused = errors.New("operation already paused")
	ErrNotPaused     = errors.New("operation not paused")
)

// Channel is an ordered pipeline of stages over one socket. Stages are kept
// bottom to top; the top stage is the message surface. Reads and writes may
// run concurrently with each other but not with pipeline mutations.
type Channel struct {
	name   string
	raw    *RawStage
	logger zerolog.Logger

	// mu guards stages; readMu and writeMu serialize the two halves.
	mu      sync.RWMutex
	stages  []Stage
	readMu  sync.Mutex
	writeMu sync.Mutex

	readGate  gate
	writeGate gate

	alive  atomic.Bool
	closed chan struct{}
	once   sync.Once
}

// NewChannel creates a channel over conn. The raw stage is created
// implicitly; stages are stacked on top of it in the given order.
func NewChannel(name string, conn net.Conn, stages ...Stage) (*Channel, error) {
	raw := NewRawStage(conn)
	c := &Channel{
		name:   name,
		raw:    raw,
		closed: make(chan struct{}),
		logger: log.With().
			Str("component", "channel").
			Str("side", name).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	all := append([]Stage{raw}, stages...)
	if err := validate(all); err != nil {
		return nil, err
	}
	link(all)
	c.stages = all
	c.alive.Store(true)
	return c, nil
}

// Name returns the channel's side name.
func (c *Channel) Name() string { return c.name }

// IsAlive reports whether the channel still accepts reads and writes.
func (c *Channel) IsAlive() bool { return c.alive.Load() }

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Kinds returns the stage kinds bottom to top.
func (c *Channel) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]string, len(c.stages))
	for i, s := range c.stages {
		kinds[i] = s.Kind()
	}
	return kinds
}

// PrependBuffer re-injects bytes so the next read sees them first.
func (c *Channel) PrependBuffer(b []byte) {
	c.raw.Prepend(b)
}

// ---- Message surface ----

// ReadMessage reads the next message from the top stage. The message shape
// is whatever the top stage produces; a channel without a framer yields
// RawBuffer chunks.
func (c *Channel) ReadMessage(ctx context.Context) (protocol.Message, error) {
	for {
		if !c.IsAlive() {
			return nil, ErrChannelClosed
		}
		if err := c.readGate.wait(ctx, c.closed); err != nil {
			return nil, err
		}
		// block outside the lock so pipeline mutations are not held up by
		// an idle peer
		if err := c.raw.WaitReadable(); err != nil {
			return nil, c.fault("read", err)
		}

		c.readMu.Lock()
		if c.readGate.isPaused() {
			c.readMu.Unlock()
			continue
		}
		msg, err := c.readTop()
		c.readMu.Unlock()
		if err != nil {
			return nil, c.fault("read", err)
		}
		return msg, nil
	}
}

func (c *Channel) readTop() (protocol.Message, error) {
	top := c.top()
	if mr, ok := top.(MessageReader); ok {
		return mr.ReadMessage()
	}
	buf := make([]byte, rawReadBufferSize)
	n, err := top.Read(buf)
	if n > 0 {
		return protocol.RawBuffer(buf[:n]), nil
	}
	return nil, err
}

// WriteMessage writes msg through the top stage and flushes.
func (c *Channel) WriteMessage(ctx context.Context, msg protocol.Message) error {
	if !c.IsAlive() {
		return ErrChannelClosed
	}
	if err := c.writeGate.wait(ctx, c.closed); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.IsAlive() {
		return ErrChannelClosed
	}

	top := c.top()
	var err error
	if mw, ok := top.(MessageWriter); ok {
		err = mw.WriteMessage(msg)
	} else if raw, ok := msg.(protocol.RawBuffer); ok {
		_, err = top.Write(raw)
	} else {
		return fmt.Errorf("%w: top stage %s cannot write %T", ErrConfiguration, top.Kind(), msg)
	}
	if err == nil {
		err = top.Flush()
	}
	if err != nil {
		// an oversized message is refused before any byte reaches the socket
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		return c.fault("write", err)
	}
	return nil
}

func (c *Channel) top() Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stages[len(c.stages)-1]
}

// fault marks the channel dead and closes it.
func (c *Channel) fault(op string, err error) error {
	if c.alive.Load() {
		c.logger.Debug().Err(err).Str("op", op).Msg("channel fault")
	}
	c.Close()
	return fmt.Errorf("channel %s %s failed: %w", c.name, op, err)
}

// Close closes every stage top to bottom. It is safe to call repeatedly.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		c.alive.Store(false)
		close(c.closed)

		c.mu.RLock()
		stages := append([]Stage(nil), c.stages...)
		c.mu.RUnlock()
		for i := len(stages) - 1; i >= 0; i-- {
			if cerr := stages[i].Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// ---- Pause / resume ----

// Pause gates op. Pausing a read never discards bytes already received.
func (c *Channel) Pause(op Operation) error {
	if !c.TryPause(op) {
		return fmt.Errorf("%w: %s", ErrAlreadyPaused, op)
	}
	return nil
}

// Resume releases op.
func (c *Channel) Resume(op Operation) error {
	if !c.TryResume(op) {
		return fmt.Errorf("%w: %s", ErrNotPaused, op)
	}
	return nil
}

// TryPause pauses op and reports whether anything changed.
func (c *Channel) TryPause(op Operation) bool {
	changed := false
	if op&OpRead != 0 && c.readGate.pause() {
		changed = true
	}
	if op&OpWrite != 0 && c.writeGate.pause() {
		changed = true
	}
	return changed
}

// TryResume resumes op and reports whether anything changed.
func (c *Channel) TryResume(op Operation) bool {
	changed := false
	if op&OpRead != 0 && c.readGate.resume() {
		changed = true
	}
	if op&OpWrite != 0 && c.writeGate.resume() {
		changed = true
	}
	return changed
}

// IsPaused reports whether op is currently gated.
func (c *Channel) IsPaused(op Operation) bool {
	if op&OpRead != 0 && c.readGate.isPaused() {
		return true
	}
	return op&OpWrite != 0 && c.writeGate.isPaused()
}

type gate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func (g *gate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.resumed = make(chan struct{})
	return true
}

func (g *gate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resumed)
	return true
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *gate) wait(ctx context.Context, closed <-chan struct{}) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		resumed := g.resumed
		g.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return ErrChannelClosed
		}
	}
}

// ---- Pipeline mutation ----

// Add places s on top of the pipeline.
func (c *Channel) Add(s Stage) error {
	return c.mutate(func(stages []Stage) ([]Stage, error) {
		return append(stages, s), nil
	})
}

// AddBefore inserts s directly below the stage of type M.
func AddBefore[M Stage](c *Channel, s Stage) error {
	return c.mutate(func(stages []Stage) ([]Stage, error) {
		i := indexOf[M](stages)
		if i < 0 {
			var zero M
			return nil, fmt.Errorf("%w: marker %T", ErrStageNotFound, zero)
		}
		out := make([]Stage, 0, len(stages)+1)
		out = append(out, stages[:i]...)
		out = append(out, s)
		return append(out, stages[i:]...), nil
	})
}

// Remove takes the stage of type T out of the pipeline. The raw stage
// cannot be removed.
func Remove[T Stage](c *Channel) error {
	return c.mutate(func(stages []Stage) ([]Stage, error) {
		i := indexOf[T](stages)
		if i < 0 {
			var zero T
			return nil, fmt.Errorf("%w: %T", ErrStageNotFound, zero)
		}
		if i == 0 {
			return nil, fmt.Errorf("%w: the raw stage cannot be removed", ErrConfiguration)
		}
		out := make([]Stage, 0, len(stages)-1)
		out = append(out, stages[:i]...)
		return append(out, stages[i+1:]...), nil
	})
}

// Get returns the stage of type T.
func Get[T Stage](c *Channel) (T, error) {
	s, ok := TryGet[T](c)
	if !ok {
		return s, fmt.Errorf("%w: %T", ErrStageNotFound, s)
	}
	return s, nil
}

// TryGet returns the stage of type T and whether it exists.
func TryGet[T Stage](c *Channel) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.stages {
		if t, ok := s.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// EnableEncryption installs a CFB-8 cipher directly above the socket.
func (c *Channel) EnableEncryption(secret []byte) error {
	cs, err := NewCipherStage(secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if _, ok := TryGet[*CompressionStage](c); ok {
		err = AddBefore[*CompressionStage](c, cs)
	} else {
		err = AddBefore[*FramerStage](c, cs)
	}
	if err != nil {
		return err
	}
	c.logger.Debug().Msg("encryption enabled")
	return nil
}

// EnableCompression installs a compression stage directly below the framer.
func (c *Channel) EnableCompression(threshold int) error {
	cs, err := NewCompressionStage(threshold)
	if err != nil {
		return err
	}
	if err := AddBefore[*FramerStage](c, cs); err != nil {
		return err
	}
	c.logger.Debug().Int("threshold", threshold).Msg("compression enabled")
	return nil
}

// mutate applies fn to a copy of the stage list under both operation locks
// and commits the result only if it validates.
func (c *Channel) mutate(fn func([]Stage) ([]Stage, error)) error {
	if !c.IsAlive() {
		return ErrChannelClosed
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	current := append([]Stage(nil), c.stages...)
	next, err := fn(current)
	if err != nil {
		return err
	}
	if err := validate(next); err != nil {
		return err
	}
	link(next)
	c.stages = next
	return nil
}

func indexOf[T Stage](stages []Stage) int {
	for i, s := range stages {
		if _, ok := s.(T); ok {
			return i
		}
	}
	return -1
}

// validate enforces the ordering rules: the raw stage is at the bottom,
// kinds are unique, and a cipher sits directly on the raw stage.
func validate(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: empty pipeline", ErrConfiguration)
	}
	if _, ok := stages[0].(*RawStage); !ok {
		return fmt.Errorf("%w: bottom stage must be raw", ErrConfiguration)
	}
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s == nil {
			return fmt.Errorf("%w: nil stage", ErrConfiguration)
		}
		if seen[s.Kind()] {
			return fmt.Errorf("%w: duplicate %s stage", ErrConfiguration, s.Kind())
		}
		seen[s.Kind()] = true
		if i > 0 {
			if _, ok := s.(*RawStage); ok {
				return fmt.Errorf("%w: raw stage above the bottom", ErrConfiguration)
			}
		}
		if _, ok := s.(*CipherStage); ok && i != 1 {
			return fmt.Errorf("%w: cipher must wrap the raw stream, found above %s",
				ErrConfiguration, stages[i-1].Kind())
		}
	}
	return nil
}

func link(stages []Stage) {
	for i := 1; i < len(stages); i++ {
		stages[i].Attach(stages[i-1])
	}
}
