// Package registry maps wire packet ids to packet kinds per protocol version,
// direction and phase. Registrations are scoped to an owner: the built-in
// system owner plus one owner per loaded extension.
package registry

import (
	"fmt"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// Owner identifies who contributed a registration.
type Owner string

// SystemOwner owns the built-in packet kinds.
const SystemOwner Owner = "system"

// Mapping assigns a wire id to a packet kind for an inclusive version range.
// An Until of 0 leaves the range open.
type Mapping struct {
	ID    int32
	From  protocol.Version
	Until protocol.Version
}

// Map returns an open-ended mapping starting at from.
func Map(id int32, from protocol.Version) Mapping {
	return Mapping{ID: id, From: from}
}

// MapRange returns a mapping valid for [from, until].
func MapRange(id int32, from, until protocol.Version) Mapping {
	return Mapping{ID: id, From: from, Until: until}
}

// Contains reports whether the mapping is valid for v.
func (m Mapping) Contains(v protocol.Version) bool {
	return v.InRange(m.From, m.Until)
}

func (m Mapping) String() string {
	if m.Until == 0 {
		return fmt.Sprintf("0x%02X@%d+", m.ID, m.From)
	}
	return fmt.Sprintf("0x%02X@%d-%d", m.ID, m.From, m.Until)
}

// Factory creates an empty packet for decoding. A nil Factory registers the
// kind for id resolution only.
type Factory func() protocol.Packet

// Entry is one packet kind registration.
type Entry struct {
	Owner    Owner
	Kind     protocol.Kind
	Factory  Factory
	Mappings []Mapping
	// Seq orders registrations across all owners; higher is newer.
	Seq uint64
}

// idFor returns the id mapped for v.
func (e Entry) idFor(v protocol.Version) (int32, bool) {
	for i := len(e.Mappings) - 1; i >= 0; i-- {
		if e.Mappings[i].Contains(v) {
			return e.Mappings[i].ID, true
		}
	}
	return 0, false
}

// PacketRegistry holds the entries of one owner for one direction and phase.
// Entries are kept in registration order; later entries shadow earlier ones.
type PacketRegistry struct {
	entries []Entry
}

// NewPacketRegistry creates an empty registry.
func NewPacketRegistry() *PacketRegistry {
	return &PacketRegistry{}
}

// Add merges entries into the registry.
func (r *PacketRegistry) Add(entries ...Entry) {
	r.entries = append(r.entries, entries...)
}

// Replace swaps the registry contents wholesale.
func (r *PacketRegistry) Replace(entries ...Entry) {
	r.entries = append([]Entry(nil), entries...)
}

// Len returns the number of entries.
func (r *PacketRegistry) Len() int {
	return len(r.entries)
}

// Entries returns a copy of the entries in registration order.
func (r *PacketRegistry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// TryCreateDecoder finds the newest entry mapping id at version v.
func (r *PacketRegistry) TryCreateDecoder(id int32, v protocol.Version) (Entry, bool) {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if got, ok := r.entries[i].idFor(v); ok && got == id {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}

// TryGetPacketID finds the id of kind at version v from the newest entry
// that maps it.
func (r *PacketRegistry) TryGetPacketID(kind protocol.Kind, v protocol.Version) (int32, Entry, bool) {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Kind != kind {
			continue
		}
		if id, ok := r.entries[i].idFor(v); ok {
			return id, r.entries[i], true
		}
	}
	return 0, Entry{}, false
}

func (r *PacketRegistry) clone() *PacketRegistry {
	return &PacketRegistry{entries: append([]Entry(nil), r.entries...)}
}
