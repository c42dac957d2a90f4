package registry

import (
	"fmt"
	"sync/atomic"

	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/transform"
)

// Resolution is the result of resolving a wire id.
type Resolution struct {
	Owner   Owner
	Kind    protocol.Kind
	Factory Factory
}

// Holder is the registry view of one link side: the catalog as seen at the
// protocol version that side speaks, on behalf of one registration owner.
type Holder struct {
	catalog *Catalog
	state   atomic.Pointer[holderState]
}

type holderState struct {
	owner   Owner
	version protocol.Version
}

// NewHolder creates a holder for version v owned by the system.
func NewHolder(c *Catalog, v protocol.Version) *Holder {
	h := &Holder{catalog: c}
	h.Setup(SystemOwner, v)
	return h
}

// Setup repoints the holder at protocol version v on behalf of owner. The
// pair is swapped as a unit. An empty owner means the system owner.
func (h *Holder) Setup(owner Owner, v protocol.Version) {
	if owner == "" {
		owner = SystemOwner
	}
	h.state.Store(&holderState{owner: owner, version: v})
}

// Version returns the protocol version in effect.
func (h *Holder) Version() protocol.Version {
	return h.state.Load().version
}

// Owner returns the registration owner the holder was set up for.
func (h *Holder) Owner() Owner {
	return h.state.Load().owner
}

// Catalog returns the backing catalog.
func (h *Holder) Catalog() *Catalog {
	return h.catalog
}

// Lookup resolves id for dir and phase. The system owner is consulted first;
// among plugin owners the most recently registered entry wins. An id no
// owner maps is not an error: ok is false and the packet stays opaque.
func (h *Holder) Lookup(dir protocol.Direction, phase protocol.Phase, id int32) (Resolution, bool) {
	snap := h.catalog.Snapshot()
	v := h.Version()
	key := tableKey{dir: dir, phase: phase}

	if reg, ok := snap.owners[0].packets[key]; ok {
		if e, ok := reg.TryCreateDecoder(id, v); ok {
			return Resolution{Owner: e.Owner, Kind: e.Kind, Factory: e.Factory}, true
		}
	}

	var best Entry
	found := false
	for _, t := range snap.owners[1:] {
		reg, ok := t.packets[key]
		if !ok {
			continue
		}
		if e, ok := reg.TryCreateDecoder(id, v); ok && (!found || e.Seq > best.Seq) {
			best, found = e, true
		}
	}
	if !found {
		return Resolution{}, false
	}
	return Resolution{Owner: best.Owner, Kind: best.Kind, Factory: best.Factory}, true
}

// PacketID returns the wire id of kind for dir and phase. When several
// owners map the kind, the most recently registered entry wins.
func (h *Holder) PacketID(dir protocol.Direction, phase protocol.Phase, kind protocol.Kind) (int32, bool) {
	snap := h.catalog.Snapshot()
	v := h.Version()
	key := tableKey{dir: dir, phase: phase}

	var (
		bestID  int32
		bestSeq uint64
		found   bool
	)
	for _, t := range snap.owners {
		reg, ok := t.packets[key]
		if !ok {
			continue
		}
		if id, e, ok := reg.TryGetPacketID(kind, v); ok && (!found || e.Seq > bestSeq) {
			bestID, bestSeq, found = id, e.Seq, true
		}
	}
	return bestID, found
}

// Transformations returns the mappings owner registered for kind. An empty
// owner means the holder's own. An owner that is no longer loaded has none.
func (h *Holder) Transformations(owner Owner, kind protocol.Kind) []transform.Mapping {
	if owner == "" {
		owner = h.Owner()
	}
	t, _ := h.catalog.Snapshot().table(owner)
	if t == nil {
		return nil
	}
	return t.transforms[kind]
}

// Decode resolves pkt and decodes it when a factory is registered. It
// returns a nil packet for ids that are unknown or registered without a
// factory.
func (h *Holder) Decode(dir protocol.Direction, phase protocol.Phase, pkt protocol.BinaryPacket) (Resolution, protocol.Packet, error) {
	res, ok := h.Lookup(dir, phase, pkt.ID)
	if !ok || res.Factory == nil {
		return res, nil, nil
	}
	p := res.Factory()
	if err := protocol.DecodeBody(p, pkt.Body, h.Version()); err != nil {
		return res, nil, err
	}
	return res, p, nil
}

// Encode resolves the id of p for dir and phase and encodes its body.
func (h *Holder) Encode(dir protocol.Direction, phase protocol.Phase, p protocol.Packet) (protocol.BinaryPacket, error) {
	id, ok := h.PacketID(dir, phase, p.Kind())
	if !ok {
		return protocol.BinaryPacket{}, fmt.Errorf("%s has no %s id in %s at version %d",
			p.Kind(), dir, phase, h.Version())
	}
	return protocol.EncodeTyped(p, id, h.Version())
}

// ClearPlugin removes owner's registrations from the backing catalog.
func (h *Holder) ClearPlugin(owner Owner) error {
	return h.catalog.ClearPlugin(owner)
}

// ClearPlugins removes every plugin owner from the backing catalog.
func (h *Holder) ClearPlugins() {
	h.catalog.ClearPlugins()
}
