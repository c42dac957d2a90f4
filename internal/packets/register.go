package packets

import (
	"fmt"

	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/registry"
	"github.com/energizer-project/linkproxy/internal/transform"
)

type registration struct {
	dir      protocol.Direction
	phase    protocol.Phase
	kind     protocol.Kind
	factory  registry.Factory
	mappings []registry.Mapping
}

const (
	cb = protocol.Clientbound
	sb = protocol.Serverbound
)

func systemPackets() []registration {
	m := registry.Map
	r := registry.MapRange

	return []registration{
		// handshake
		{sb, protocol.PhaseHandshake, KindHandshake, func() protocol.Packet { return &Handshake{} },
			[]registry.Mapping{m(0x00, protocol.V1_8)}},

		// login
		{sb, protocol.PhaseLogin, KindLoginStart, func() protocol.Packet { return &LoginStart{} },
			[]registry.Mapping{m(0x00, protocol.V1_8)}},
		{sb, protocol.PhaseLogin, KindEncryptionResponse, func() protocol.Packet { return &EncryptionResponse{} },
			[]registry.Mapping{m(0x01, protocol.V1_8)}},
		{sb, protocol.PhaseLogin, KindLoginAcknowledged, func() protocol.Packet { return &LoginAcknowledged{} },
			[]registry.Mapping{m(0x03, protocol.V1_20_2)}},
		{cb, protocol.PhaseLogin, KindDisconnect, func() protocol.Packet { return &Disconnect{} },
			[]registry.Mapping{m(0x00, protocol.V1_8)}},
		{cb, protocol.PhaseLogin, KindEncryptionRequest, func() protocol.Packet { return &EncryptionRequest{} },
			[]registry.Mapping{m(0x01, protocol.V1_8)}},
		{cb, protocol.PhaseLogin, KindLoginSuccess, func() protocol.Packet { return &LoginSuccess{} },
			[]registry.Mapping{m(0x02, protocol.V1_8)}},
		{cb, protocol.PhaseLogin, KindSetCompression, func() protocol.Packet { return &SetCompression{} },
			[]registry.Mapping{m(0x03, protocol.V1_8)}},

		// configuration (1.20.2+)
		{cb, protocol.PhaseConfiguration, KindDisconnect, func() protocol.Packet { return &Disconnect{} },
			[]registry.Mapping{r(0x01, protocol.V1_20_2, protocol.V1_20_5-1), m(0x02, protocol.V1_20_5)}},
		{cb, protocol.PhaseConfiguration, KindFinishConfiguration, func() protocol.Packet { return &FinishConfiguration{} },
			[]registry.Mapping{r(0x02, protocol.V1_20_2, protocol.V1_20_5-1), m(0x03, protocol.V1_20_5)}},
		{cb, protocol.PhaseConfiguration, KindKeepAlive, func() protocol.Packet { return &KeepAlive{} },
			[]registry.Mapping{r(0x03, protocol.V1_20_2, protocol.V1_20_5-1), m(0x04, protocol.V1_20_5)}},
		{sb, protocol.PhaseConfiguration, KindAcknowledgeFinishConfiguration, func() protocol.Packet { return &AcknowledgeFinishConfiguration{} },
			[]registry.Mapping{r(0x02, protocol.V1_20_2, protocol.V1_20_5-1), m(0x03, protocol.V1_20_5)}},
		{sb, protocol.PhaseConfiguration, KindKeepAlive, func() protocol.Packet { return &KeepAlive{} },
			[]registry.Mapping{r(0x03, protocol.V1_20_2, protocol.V1_20_5-1), m(0x04, protocol.V1_20_5)}},

		// play
		{cb, protocol.PhasePlay, KindBundleDelimiter, func() protocol.Packet { return &BundleDelimiter{} },
			[]registry.Mapping{m(0x00, protocol.V1_20_1)}},
		{cb, protocol.PhasePlay, KindDisconnect, func() protocol.Packet { return &Disconnect{} },
			[]registry.Mapping{
				r(0x40, protocol.V1_8, protocol.V1_8),
				r(0x1A, protocol.V1_12_2, protocol.V1_20_1),
				r(0x1B, protocol.V1_20_2, protocol.V1_20_5-1),
				m(0x1D, protocol.V1_20_5),
			}},
		{cb, protocol.PhasePlay, KindKeepAlive, func() protocol.Packet { return &KeepAlive{} },
			[]registry.Mapping{
				r(0x00, protocol.V1_8, protocol.V1_8),
				r(0x1F, protocol.V1_12_2, protocol.V1_12_2),
				r(0x23, protocol.V1_20_1, protocol.V1_20_1),
				r(0x24, protocol.V1_20_2, protocol.V1_20_5-1),
				m(0x26, protocol.V1_20_5),
			}},
		{sb, protocol.PhasePlay, KindKeepAlive, func() protocol.Packet { return &KeepAlive{} },
			[]registry.Mapping{
				r(0x00, protocol.V1_8, protocol.V1_8),
				r(0x0B, protocol.V1_12_2, protocol.V1_12_2),
				r(0x12, protocol.V1_20_1, protocol.V1_20_1),
				r(0x14, protocol.V1_20_2, protocol.V1_20_5-1),
				m(0x18, protocol.V1_20_5),
			}},
	}
}

// Register adds the built-in packet kinds and their transformations to the
// system owner of c.
func Register(c *registry.Catalog) error {
	sys := c.System()
	for _, p := range systemPackets() {
		if err := sys.Register(p.dir, p.phase, p.kind, p.factory, p.mappings...); err != nil {
			return fmt.Errorf("failed to register %s %s %s: %w", p.dir, p.phase, p.kind, err)
		}
	}
	if err := sys.RegisterTransformations(KindKeepAlive,
		transform.Upgrade(protocol.V1_8, protocol.V1_12_2, widenKeepAlive),
		transform.Downgrade(protocol.V1_12_2, protocol.V1_8, narrowKeepAlive),
	); err != nil {
		return err
	}
	return nil
}

// widenKeepAlive turns the VarInt id used by 1.8 into a Long.
func widenKeepAlive(w *transform.Wrapper) error {
	id, err := transform.Read[protocol.VarInt](w)
	if err != nil {
		return err
	}
	transform.Write(w, protocol.Long(id))
	return nil
}

// narrowKeepAlive truncates a Long id to the VarInt used by 1.8.
func narrowKeepAlive(w *transform.Wrapper) error {
	id, err := transform.Read[protocol.Long](w)
	if err != nil {
		return err
	}
	transform.Write(w, protocol.VarInt(int32(id)))
	return nil
}
