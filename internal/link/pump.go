package link

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/packets"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/registry"
	"github.com/energizer-project/linkproxy/internal/stream"
)

// handshakeID is the same in every protocol version.
const handshakeID int32 = 0x00

// pump moves packets read from src to dst.
type pump struct {
	src *side
	dst *side
	dir protocol.Direction
}

// inbound is a message read by a pump together with what the source
// registry knows about it.
type inbound struct {
	msg    protocol.Message
	res    registry.Resolution
	packet protocol.Packet
	// dirty marks a decoded packet the link modified; it is re-encoded.
	dirty bool
}

func (in inbound) known() bool { return in.res.Kind != "" }

func (in inbound) String() string {
	if bp, ok := in.msg.(protocol.BinaryPacket); ok {
		if in.known() {
			return fmt.Sprintf("%s(0x%02X)", in.res.Kind, bp.ID)
		}
		return fmt.Sprintf("0x%02X", bp.ID)
	}
	return fmt.Sprintf("%T", in.msg)
}

func (l *Link) pump(ctx context.Context, p *pump) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s pump panicked: %v", p.dir, r)
		}
		l.stop(classify(err), err)
	}()

	for {
		if err := l.step(ctx, p); err != nil {
			return err
		}
	}
}

// step processes exactly one message. Within a direction, a message is
// written before the next one is read.
func (l *Link) step(ctx context.Context, p *pump) error {
	msg, err := p.src.channel.ReadMessage(ctx)
	if err != nil {
		return err
	}
	p.src.packets.Add(1)

	in, err := l.inspect(p, msg)
	if err != nil {
		return err
	}
	if hs, ok := in.packet.(*packets.Handshake); ok && p.dir == protocol.Serverbound {
		if err := l.onHandshake(hs); err != nil {
			return err
		}
		in.dirty = true
	}

	if l.pipeline != nil {
		d := l.pipeline.Dispatch(ctx, l.packetEvent(p, in))
		switch d.Action {
		case events.ActionSuppress:
			l.logger.Trace().Str("packet", in.String()).Str("direction", p.dir.String()).Msg("packet suppressed")
			l.advance(p.src, in)
			return nil
		case events.ActionReplace:
			if in, err = l.inspect(p, d.Message); err != nil {
				return fmt.Errorf("failed to inspect replacement: %w", err)
			}
		}
	}

	forward, err := l.intercept(ctx, p, in)
	if err != nil || !forward {
		return err
	}
	return l.forward(ctx, p, in)
}

// inspect resolves msg against the source registry and decodes it when
// the kind has a factory.
func (l *Link) inspect(p *pump, msg protocol.Message) (inbound, error) {
	in := inbound{msg: msg}
	switch m := msg.(type) {
	case protocol.BinaryPacket:
		phase := p.src.Phase()
		if p.dir == protocol.Serverbound && phase == protocol.PhaseHandshake {
			return l.inspectHandshake(m)
		}
		res, pkt, err := p.src.holder.Decode(p.dir, phase, m)
		if err != nil {
			return in, err
		}
		in.res, in.packet = res, pkt
	case protocol.TypedPacket:
		in.res = registry.Resolution{Kind: m.Packet.Kind()}
		in.packet = m.Packet
	}
	return in, nil
}

func (l *Link) inspectHandshake(m protocol.BinaryPacket) (inbound, error) {
	if m.ID != handshakeID {
		return inbound{}, fmt.Errorf("expected handshake, got packet 0x%02X", m.ID)
	}
	hs := &packets.Handshake{}
	if err := protocol.DecodeBody(hs, m.Body, protocol.UnknownVersion); err != nil {
		return inbound{}, err
	}
	return inbound{
		msg:    m,
		res:    registry.Resolution{Owner: registry.SystemOwner, Kind: packets.KindHandshake},
		packet: hs,
	}, nil
}

// onHandshake learns the player version and rewrites the handshake for the
// backend.
func (l *Link) onHandshake(hs *packets.Handshake) error {
	v := hs.ProtocolVersion
	if hs.NextState != packets.NextStateStatus && !l.supports(v) {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	l.player.holder.Setup(registry.SystemOwner, v)
	hs.ProtocolVersion = l.server.holder.Version()

	l.logger.Debug().
		Int32("player_version", int32(v)).
		Int32("next_state", hs.NextState).
		Str("address", hs.ServerAddress).
		Msg("handshake received")
	return nil
}

func (l *Link) packetEvent(p *pump, in inbound) events.PacketEvent {
	return events.PacketEvent{
		Direction: p.dir,
		Phase:     p.src.Phase(),
		Kind:      in.res.Kind,
		Owner:     string(in.res.Owner),
		Message:   in.msg,
		Packet:    in.packet,
		Link:      l,
	}
}

// intercept handles packets the link acts on before forwarding. It reports
// whether the packet should still be forwarded.
func (l *Link) intercept(ctx context.Context, p *pump, in inbound) (bool, error) {
	switch pk := in.packet.(type) {
	case *packets.LoginStart:
		l.setPlayerName(pk.Name)
		if l.auth != nil {
			return false, l.challenge(ctx, pk)
		}
	case *packets.EncryptionResponse:
		if l.login.request != nil {
			return false, l.completeLogin(ctx, pk)
		}
	case *packets.EncryptionRequest:
		if p.dir == protocol.Clientbound {
			return false, ErrBackendEncryption
		}
	case *packets.SetCompression:
		// every backend frame after this one is compressed
		if p.dir == protocol.Clientbound && pk.Threshold >= 0 {
			if err := l.server.channel.EnableCompression(int(pk.Threshold)); err != nil {
				return false, fmt.Errorf("failed to enable backend compression: %w", err)
			}
		}
	}
	return true, nil
}

// forward translates in for the destination and writes it.
func (l *Link) forward(ctx context.Context, p *pump, in inbound) error {
	out, err := l.translate(p, in)
	if err != nil {
		return fmt.Errorf("failed to translate %s %s: %w", p.dir, in, err)
	}
	l.advance(p.src, in)

	compression, installCompression := in.packet.(*packets.SetCompression)
	installCompression = installCompression && p.dir == protocol.Clientbound
	paused := false
	if installCompression {
		// the player may answer compressed right after reading the packet
		paused = p.dst.channel.TryPause(stream.OpRead)
	}

	if err := p.dst.channel.WriteMessage(ctx, out); err != nil {
		return err
	}
	l.advance(p.dst, in)

	if l.pipeline != nil {
		ev := l.packetEvent(p, in)
		ev.Message = out
		l.pipeline.Sent(ctx, ev)
	}

	switch in.res.Kind {
	case packets.KindSetCompression:
		if !installCompression {
			break
		}
		if compression.Threshold >= 0 {
			if err := p.dst.channel.EnableCompression(int(compression.Threshold)); err != nil {
				return fmt.Errorf("failed to enable player compression: %w", err)
			}
		}
		if paused {
			p.dst.channel.TryResume(stream.OpRead)
		}
	case packets.KindBundleDelimiter:
		if p.dir == protocol.Clientbound {
			l.bundle.Toggle()
		}
	case packets.KindDisconnect:
		if p.dir == protocol.Clientbound {
			return ErrKicked
		}
	}
	return nil
}

// translate rewrites in for the version and phase of the destination.
// Packets no registry resolves, and packets the destination does not map,
// are forwarded unchanged.
func (l *Link) translate(p *pump, in inbound) (protocol.Message, error) {
	m, ok := in.msg.(protocol.BinaryPacket)
	if !ok || !in.known() {
		return in.msg, nil
	}
	from, to := p.src.holder.Version(), p.dst.holder.Version()
	if from == to && !in.dirty {
		return m, nil
	}

	body := m.Body
	switch {
	case in.dirty:
		w := protocol.NewWriter()
		if err := in.packet.Encode(w, to); err != nil {
			return nil, err
		}
		body = w.Bytes()
	default:
		mappings := p.src.holder.Transformations(in.res.Owner, in.res.Kind)
		if len(mappings) > 0 {
			var err error
			if body, err = l.catalog.Engine().Transform(m.Body, from, to, p.dir, mappings); err != nil {
				return nil, err
			}
		} else if in.packet != nil {
			w := protocol.NewWriter()
			if err := in.packet.Encode(w, to); err != nil {
				return nil, err
			}
			body = w.Bytes()
		}
	}

	id, ok := p.dst.holder.PacketID(p.dir, p.dst.Phase(), in.res.Kind)
	if !ok {
		if in.dirty {
			return protocol.BinaryPacket{ID: m.ID, Body: body}, nil
		}
		return m, nil
	}
	return protocol.BinaryPacket{ID: id, Body: body}, nil
}

// ---- Login ----

// challenge starts the key exchange with the player. The login start is
// held back and backend reads are paused until the exchange completes.
func (l *Link) challenge(ctx context.Context, ls *packets.LoginStart) error {
	req, err := l.auth.Challenge(ctx, ls.Name)
	if err != nil {
		return fmt.Errorf("failed to create encryption request: %w", err)
	}
	if err := l.player.channel.WriteMessage(ctx, protocol.TypedPacket{Packet: req}); err != nil {
		return err
	}
	l.server.channel.TryPause(stream.OpRead)
	l.login = loginState{request: req, held: ls}

	l.logger.Debug().Str("player", ls.Name).Msg("encryption requested")
	return nil
}

// completeLogin finishes the key exchange, verifies the session and
// releases the held login start to the backend.
func (l *Link) completeLogin(ctx context.Context, resp *packets.EncryptionResponse) error {
	req, held := l.login.request, l.login.held
	l.login = loginState{}

	secret, err := l.auth.SharedSecret(ctx, req, resp)
	if err != nil {
		return l.reject(ctx, "Invalid encryption response", err)
	}
	if err := l.player.channel.EnableEncryption(secret); err != nil {
		return fmt.Errorf("failed to enable player encryption: %w", err)
	}

	profile, err := l.auth.Verify(ctx, held.Name, req, secret)
	if err != nil {
		return l.reject(ctx, "Failed to verify username", err)
	}
	if profile.Name != "" {
		held.Name = profile.Name
		l.setPlayerName(profile.Name)
	}
	if profile.ID != uuid.Nil {
		held.UUID = profile.ID
	}

	if err := l.server.channel.WriteMessage(ctx, protocol.TypedPacket{Packet: held}); err != nil {
		return err
	}
	l.server.channel.TryResume(stream.OpRead)

	l.logger.Info().
		Str("player", held.Name).
		Str("uuid", held.UUID.String()).
		Msg("player authenticated")
	return nil
}

func (l *Link) reject(ctx context.Context, text string, cause error) error {
	if err := l.player.channel.WriteMessage(ctx, protocol.TypedPacket{Packet: packets.NewTextDisconnect(text)}); err != nil {
		l.logger.Warn().Err(err).Msg("failed to send login disconnect")
	}
	return fmt.Errorf("%w: login rejected: %v", ErrKicked, cause)
}
