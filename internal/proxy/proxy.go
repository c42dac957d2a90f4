// Package proxy accepts player connections, sniffs the handshake to pick a
// backend and runs a link per connection.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/link"
	"github.com/energizer-project/linkproxy/internal/packets"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/registry"
	"github.com/energizer-project/linkproxy/internal/stream"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxConnPerSec    = 10
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultDialTimeout      = 5 * time.Second
)

var ErrNoBackend = errors.New("no backend configured")

// Backend is a server players can be linked to.
type Backend struct {
	Name    string
	Address string
	Version protocol.Version
	Default bool
	// VirtualHosts route players that dialed one of these hosts.
	VirtualHosts []string
}

// Config configures a Proxy.
type Config struct {
	Listen   string
	Backends []Backend
	// MaxLinks caps concurrent links; zero is unlimited.
	MaxLinks         int
	MaxConnPerSec    int
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
}

// Deps are the shared collaborators handed to every link.
type Deps struct {
	Catalog  *registry.Catalog
	Pipeline *events.Pipeline
	Bus      *events.EventBus
	// Authenticator enables proxy-terminated login when set.
	Authenticator link.Authenticator
}

// Proxy is the player-facing listener.
type Proxy struct {
	cfg    Config
	deps   Deps
	links  *LinkRegistry
	rate   *rateTracker
	logger zerolog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	pending  atomic.Int32
}

// New validates cfg and creates a proxy.
func New(cfg Config, deps Deps) (*Proxy, error) {
	if deps.Catalog == nil {
		return nil, errors.New("proxy needs a catalog")
	}
	if len(cfg.Backends) == 0 {
		return nil, ErrNoBackend
	}
	if cfg.MaxConnPerSec == 0 {
		cfg.MaxConnPerSec = DefaultMaxConnPerSec
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Proxy{
		cfg:    cfg,
		deps:   deps,
		links:  NewLinkRegistry(),
		rate:   newRateTracker(cfg.MaxConnPerSec),
		logger: log.With().Str("component", "proxy").Str("listen", cfg.Listen).Logger(),
	}, nil
}

// Links returns the registry of running links.
func (p *Proxy) Links() *LinkRegistry { return p.links }

// Backends returns the configured backends.
func (p *Proxy) Backends() []Backend { return slices.Clone(p.cfg.Backends) }

// Addr returns the bound address once started.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Start binds the listener and accepts connections in the background.
func (p *Proxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", p.cfg.Listen)
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.Listen, err)
	}
	p.listener = ln
	p.started.Store(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.acceptLoop(ctx)
	}()

	p.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("backends", len(p.cfg.Backends)).
		Bool("online_mode", p.deps.Authenticator != nil).
		Msg("proxy started")
	return nil
}

// Stop closes the listener, stops every link and waits for them to finish.
func (p *Proxy) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.logger.Info().Msg("stopping proxy")

	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	p.links.StopAll(link.ReasonRequested)

	p.wg.Wait()
	p.logger.Info().Msg("proxy stopped")
}

// IsRunning reports whether the proxy is listening.
func (p *Proxy) IsRunning() bool {
	return p.started.Load() && !p.stopped.Load()
}

// ---- Accept loop ----

func (p *Proxy) acceptLoop(ctx context.Context) {
	defer p.listener.Close()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.stopped.Load() || ctx.Err() != nil {
				return
			}
			p.logger.Debug().Err(err).Msg("accept error")
			continue
		}

		srcIP := extractIP(conn.RemoteAddr())

		if !p.rate.allow(srcIP) {
			p.logger.Warn().Str("src", srcIP).Msg("connection rate limit exceeded, dropping connection")
			p.reject(ctx, conn, "rate_limited")
			continue
		}

		if p.cfg.MaxLinks > 0 && p.links.Count()+int(p.pending.Load()) >= p.cfg.MaxLinks {
			p.logger.Warn().Str("src", srcIP).Msg("max concurrent links reached, dropping")
			p.reject(ctx, conn, "capacity")
			continue
		}

		p.pending.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, conn)
		}()
	}
}

func (p *Proxy) reject(ctx context.Context, conn net.Conn, reason string) {
	if p.deps.Bus != nil {
		p.deps.Bus.Emit(ctx, events.NewEvent(events.EventLinkRejected, "proxy", events.LinkRejectedPayload{
			RemoteAddr: conn.RemoteAddr().String(),
			Reason:     reason,
		}))
	}
	conn.Close()
}

// handle sniffs the handshake, dials the backend and runs the link until it
// stops.
func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	pending := true
	defer func() {
		if pending {
			p.pending.Add(-1)
		}
	}()

	logger := p.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	conn.SetReadDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	hs, err := sniffHandshake(conn)
	if err != nil {
		if errors.Is(err, ErrLegacyPing) {
			logger.Debug().Msg("legacy ping ignored")
			p.reject(ctx, conn, "legacy_ping")
			return
		}
		logger.Debug().Err(err).Msg("failed to read handshake")
		p.reject(ctx, conn, "bad_handshake")
		return
	}
	conn.SetReadDeadline(time.Time{})

	backend, ok := p.selectBackend(hs.Host())
	if !ok {
		p.reject(ctx, conn, "no_backend")
		return
	}

	version := hs.handshake.ProtocolVersion
	if hs.handshake.NextState != packets.NextStateStatus && !slices.Contains(p.deps.Catalog.Engine().Versions(), version) {
		logger.Info().Int32("version", int32(version)).Msg("unsupported client version")
		conn.SetWriteDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
		conn.Write(loginDisconnect(fmt.Sprintf("Unsupported client version %d", version)))
		p.reject(ctx, conn, "unsupported_version")
		return
	}

	// the configuration phase exists on both sides or on neither
	if hs.handshake.NextState != packets.NextStateStatus &&
		version.AtLeast(protocol.V1_20_2) != backend.Version.AtLeast(protocol.V1_20_2) {
		logger.Info().
			Int32("version", int32(version)).
			Str("backend", backend.Name).
			Msg("client and backend disagree on the configuration phase")
		conn.SetWriteDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
		conn.Write(loginDisconnect(fmt.Sprintf("%s cannot be joined from version %s", backend.Name, version)))
		p.reject(ctx, conn, "incompatible_version")
		return
	}

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	serverConn, err := dialer.DialContext(ctx, "tcp", backend.Address)
	if err != nil {
		logger.Warn().Err(err).Str("backend", backend.Name).Msg("failed to connect to backend")
		if hs.handshake.NextState != packets.NextStateStatus {
			conn.SetWriteDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
			conn.Write(loginDisconnect("Backend unavailable"))
		}
		p.reject(ctx, conn, "backend_unavailable")
		return
	}

	l, err := p.newLink(conn, serverConn, backend, hs)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create link")
		serverConn.Close()
		p.reject(ctx, conn, "internal")
		return
	}

	p.links.Register(l)
	p.pending.Add(-1)
	pending = false
	defer p.links.Unregister(l.ID())

	if err := l.Run(ctx); err != nil {
		logger.Debug().Err(err).Str("link_id", l.ID()).Msg("link ended with error")
	}
}

func (p *Proxy) newLink(playerConn, serverConn net.Conn, backend Backend, hs *sniffed) (*link.Link, error) {
	player, err := stream.NewChannel("player", playerConn, stream.NewFramerStage())
	if err != nil {
		return nil, err
	}
	server, err := stream.NewChannel("server", serverConn, stream.NewFramerStage())
	if err != nil {
		return nil, err
	}
	player.PrependBuffer(hs.raw)

	return link.New(link.Options{
		Catalog:       p.deps.Catalog,
		Player:        player,
		Server:        server,
		Backend:       backend.Name,
		ServerVersion: backend.Version,
		Pipeline:      p.deps.Pipeline,
		Bus:           p.deps.Bus,
		Authenticator: p.deps.Authenticator,
	})
}

// selectBackend returns the backend serving host, falling back to the
// default backend.
func (p *Proxy) selectBackend(host string) (Backend, bool) {
	var fallback *Backend
	for i := range p.cfg.Backends {
		b := &p.cfg.Backends[i]
		for _, vh := range b.VirtualHosts {
			if strings.EqualFold(vh, host) {
				return *b, true
			}
		}
		if b.Default && fallback == nil {
			fallback = b
		}
	}
	if fallback == nil {
		return Backend{}, false
	}
	return *fallback, true
}
