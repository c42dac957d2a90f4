// Package link bridges one player connection to one backend connection. A
// link runs a pump per direction, tracks the phase of each side, terminates
// the login key exchange when configured to, negotiates compression and
// translates packets between the protocol versions of the two sides.
package link

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/packets"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/registry"
	"github.com/energizer-project/linkproxy/internal/stream"
)

// Options configures a link.
type Options struct {
	// ID defaults to a random UUID.
	ID      string
	Catalog *registry.Catalog
	// Player and Server must carry a framer.
	Player        *stream.Channel
	Server        *stream.Channel
	Backend       string
	ServerVersion protocol.Version
	// Optional collaborators.
	Pipeline      *events.Pipeline
	Bus           *events.EventBus
	Authenticator Authenticator
}

// side is one end of a link.
type side struct {
	name    string
	channel *stream.Channel
	holder  *registry.Holder
	// out is the direction of packets written to this side.
	out     protocol.Direction
	phase   atomic.Int32
	packets atomic.Uint64
}

func (s *side) Phase() protocol.Phase {
	return protocol.Phase(s.phase.Load())
}

// EncodePacket encodes typed packets written to this side at its current
// version and phase.
func (s *side) EncodePacket(p protocol.Packet) (protocol.BinaryPacket, error) {
	return s.holder.Encode(s.out, s.Phase(), p)
}

// Info is a point-in-time view of a link.
type Info struct {
	ID                 string           `json:"id"`
	Player             string           `json:"player,omitempty"`
	PlayerAddr         string           `json:"player_addr"`
	Backend            string           `json:"backend"`
	BackendAddr        string           `json:"backend_addr"`
	PlayerVersion      protocol.Version `json:"player_version"`
	ServerVersion      protocol.Version `json:"server_version"`
	PlayerPhase        protocol.Phase   `json:"player_phase"`
	ServerPhase        protocol.Phase   `json:"server_phase"`
	State              State            `json:"state"`
	Reason             StopReason       `json:"reason"`
	StartedAt          time.Time        `json:"started_at"`
	PacketsServerbound uint64           `json:"packets_serverbound"`
	PacketsClientbound uint64           `json:"packets_clientbound"`
}

// Link is one player-to-backend bridge.
type Link struct {
	id       string
	backend  string
	catalog  *registry.Catalog
	player   *side
	server   *side
	pipeline *events.Pipeline
	bus      *events.EventBus
	auth     Authenticator
	bundle   Bundle
	logger   zerolog.Logger

	state     atomic.Int32
	reason    atomic.Int32
	startedAt time.Time
	finished  chan struct{}

	mu         sync.RWMutex
	playerName string
	err        error

	// login is only touched by the serverbound pump.
	login loginState
}

type loginState struct {
	request *packets.EncryptionRequest
	held    *packets.LoginStart
}

// New creates a link in the Starting state. Both sides start in the
// handshake phase; the player version is learned from the handshake.
func New(opts Options) (*Link, error) {
	if opts.Catalog == nil || opts.Player == nil || opts.Server == nil {
		return nil, errors.New("link needs a catalog and both channels")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	l := &Link{
		id:       id,
		backend:  opts.Backend,
		catalog:  opts.Catalog,
		pipeline: opts.Pipeline,
		bus:      opts.Bus,
		auth:     opts.Authenticator,
		finished: make(chan struct{}),
		player: &side{
			name:    "player",
			channel: opts.Player,
			holder:  registry.NewHolder(opts.Catalog, protocol.UnknownVersion),
			out:     protocol.Clientbound,
		},
		server: &side{
			name:    "server",
			channel: opts.Server,
			holder:  registry.NewHolder(opts.Catalog, opts.ServerVersion),
			out:     protocol.Serverbound,
		},
		startedAt: time.Now(),
		logger: log.With().
			Str("component", "link").
			Str("link_id", id).
			Str("backend", opts.Backend).
			Logger(),
	}

	for _, s := range []*side{l.player, l.server} {
		framer, err := stream.Get[*stream.FramerStage](s.channel)
		if err != nil {
			return nil, fmt.Errorf("%s channel: %w", s.name, err)
		}
		framer.SetEncoder(s)
	}
	return l, nil
}

// ---- Accessors ----

func (l *Link) ID() string { return l.id }

func (l *Link) Backend() string { return l.backend }

// Player returns the login name once known.
func (l *Link) Player() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.playerName
}

func (l *Link) PlayerVersion() protocol.Version { return l.player.holder.Version() }

func (l *Link) ServerVersion() protocol.Version { return l.server.holder.Version() }

func (l *Link) PlayerPhase() protocol.Phase { return l.player.Phase() }

func (l *Link) ServerPhase() protocol.Phase { return l.server.Phase() }

func (l *Link) State() State { return State(l.state.Load()) }

// Reason returns the stop reason, or ReasonNone while running.
func (l *Link) Reason() StopReason { return StopReason(l.reason.Load()) }

// Err returns the error that stopped the link, if any.
func (l *Link) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Bundle returns the clientbound bundle state.
func (l *Link) Bundle() *Bundle { return &l.bundle }

// Done is closed when Run returns.
func (l *Link) Done() <-chan struct{} { return l.finished }

// Info returns a snapshot of the link.
func (l *Link) Info() Info {
	return Info{
		ID:                 l.id,
		Player:             l.Player(),
		PlayerAddr:         l.player.channel.RemoteAddr().String(),
		Backend:            l.backend,
		BackendAddr:        l.server.channel.RemoteAddr().String(),
		PlayerVersion:      l.PlayerVersion(),
		ServerVersion:      l.ServerVersion(),
		PlayerPhase:        l.PlayerPhase(),
		ServerPhase:        l.ServerPhase(),
		State:              l.State(),
		Reason:             l.Reason(),
		StartedAt:          l.startedAt,
		PacketsServerbound: l.player.packets.Load(),
		PacketsClientbound: l.server.packets.Load(),
	}
}

// ---- Lifecycle ----

// Run pumps packets in both directions until the link stops. Cancelling
// ctx stops the link with ReasonRequested. Run returns the stopping error
// only for ReasonInternalException.
func (l *Link) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateStarting), int32(StateStarted)) {
		return ErrAlreadyStarted
	}

	l.logger.Info().
		Str("player_addr", l.player.channel.RemoteAddr().String()).
		Str("backend_addr", l.server.channel.RemoteAddr().String()).
		Int32("server_version", int32(l.ServerVersion())).
		Msg("link started")
	l.emit(ctx, events.EventLinkStarted, events.LinkStartedPayload{
		LinkID:        l.id,
		PlayerAddr:    l.player.channel.RemoteAddr().String(),
		Backend:       l.backend,
		BackendAddr:   l.server.channel.RemoteAddr().String(),
		PlayerVersion: l.PlayerVersion(),
		ServerVersion: l.ServerVersion(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.pump(gctx, &pump{src: l.player, dst: l.server, dir: protocol.Serverbound})
	})
	g.Go(func() error {
		return l.pump(gctx, &pump{src: l.server, dst: l.player, dir: protocol.Clientbound})
	})
	g.Go(func() error {
		<-gctx.Done()
		l.stop(ReasonRequested, nil)
		return nil
	})
	_ = g.Wait()

	l.state.Store(int32(StateStopped))
	close(l.finished)
	l.finish(context.WithoutCancel(ctx))

	if l.Reason() == ReasonInternalException {
		return l.Err()
	}
	return nil
}

// Stop requests the link to stop. Only the first reason is recorded; Stop
// reports whether this call recorded it.
func (l *Link) Stop(reason StopReason) bool {
	return l.stop(reason, nil)
}

func (l *Link) stop(reason StopReason, err error) bool {
	if !l.reason.CompareAndSwap(int32(ReasonNone), int32(reason)) {
		return false
	}
	l.state.CompareAndSwap(int32(StateStarted), int32(StateStopping))
	if err != nil {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
	}

	_ = l.player.channel.Close()
	_ = l.server.channel.Close()
	l.bundle.reset()
	return true
}

func (l *Link) finish(ctx context.Context) {
	reason := l.Reason()
	err := l.Err()
	duration := time.Since(l.startedAt)

	evt := l.logger.Info()
	if reason == ReasonInternalException {
		evt = l.logger.Error().Err(err)
	}
	evt.Str("player", l.Player()).
		Str("reason", reason.String()).
		Dur("duration", duration).
		Uint64("packets_serverbound", l.player.packets.Load()).
		Uint64("packets_clientbound", l.server.packets.Load()).
		Msg("link stopped")

	payload := events.LinkStoppedPayload{
		LinkID:        l.id,
		Player:        l.Player(),
		PlayerAddr:    l.player.channel.RemoteAddr().String(),
		Backend:       l.backend,
		PlayerVersion: l.PlayerVersion(),
		ServerVersion: l.ServerVersion(),
		Reason:        reason.String(),
		StartedAt:     l.startedAt,
		Duration:      duration,
		PacketsIn:     l.player.packets.Load(),
		PacketsOut:    l.server.packets.Load(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	l.emit(ctx, events.EventLinkStopped, payload)
}

func (l *Link) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if l.bus != nil {
		l.bus.Emit(ctx, events.NewEvent(t, "link", payload))
	}
}

func (l *Link) supports(v protocol.Version) bool {
	return slices.Contains(l.catalog.Engine().Versions(), v)
}

func (l *Link) setPlayerName(name string) {
	l.mu.Lock()
	l.playerName = name
	l.mu.Unlock()
}

// advance moves s to the phase that kind leads to. Phases never regress.
func (l *Link) advance(s *side, in inbound) {
	cur := s.Phase()
	next := nextPhase(cur, s.holder.Version(), in.res.Kind, in.packet)
	if next <= cur {
		return
	}
	s.phase.Store(int32(next))

	l.logger.Debug().
		Str("side", s.name).
		Str("from", cur.String()).
		Str("to", next.String()).
		Msg("phase changed")
	l.emit(context.Background(), events.EventLinkPhaseChanged, events.LinkPhaseChangedPayload{
		LinkID: l.id,
		Side:   s.name,
		From:   cur,
		To:     next,
	})
}

func nextPhase(cur protocol.Phase, v protocol.Version, kind protocol.Kind, p protocol.Packet) protocol.Phase {
	switch kind {
	case packets.KindHandshake:
		hs, ok := p.(*packets.Handshake)
		if !ok {
			return cur
		}
		switch hs.NextState {
		case packets.NextStateStatus:
			return protocol.PhaseStatus
		case packets.NextStateLogin, packets.NextStateTransfer:
			return protocol.PhaseLogin
		}
	case packets.KindLoginSuccess:
		if !v.AtLeast(protocol.V1_20_2) {
			return protocol.PhasePlay
		}
	case packets.KindLoginAcknowledged:
		return protocol.PhaseConfiguration
	case packets.KindAcknowledgeFinishConfiguration:
		return protocol.PhasePlay
	}
	return cur
}
