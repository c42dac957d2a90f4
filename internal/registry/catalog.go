package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/transform"
)

var (
	ErrDuplicateOwner = errors.New("owner already registered")
	ErrUnknownOwner   = errors.New("unknown owner")
	ErrSystemOwner    = errors.New("system registrations cannot be cleared")
	ErrInvalidEntry   = errors.New("invalid registration")
)

type tableKey struct {
	dir   protocol.Direction
	phase protocol.Phase
}

// ownerTable is the immutable set of registrations of one owner as of one
// generation.
type ownerTable struct {
	owner      Owner
	generation uint64
	packets    map[tableKey]*PacketRegistry
	transforms map[protocol.Kind][]transform.Mapping
}

func newOwnerTable(owner Owner, gen uint64) *ownerTable {
	return &ownerTable{
		owner:      owner,
		generation: gen,
		packets:    make(map[tableKey]*PacketRegistry),
		transforms: make(map[protocol.Kind][]transform.Mapping),
	}
}

func (t *ownerTable) clone(gen uint64) *ownerTable {
	c := newOwnerTable(t.owner, gen)
	for k, r := range t.packets {
		c.packets[k] = r.clone()
	}
	for k, m := range t.transforms {
		c.transforms[k] = append([]transform.Mapping(nil), m...)
	}
	return c
}

// Snapshot is a consistent, read-only view of every owner's registrations.
// Lookups hold on to the snapshot they started with, so an extension
// unloading mid-lookup does not affect the result.
type Snapshot struct {
	Generation uint64
	// owners[0] is always the system owner; plugins follow in load order.
	owners []*ownerTable
}

// Owners returns the owners in lookup order.
func (s *Snapshot) Owners() []Owner {
	out := make([]Owner, len(s.owners))
	for i, t := range s.owners {
		out[i] = t.owner
	}
	return out
}

// TransformationCount returns the number of transformation mappings
// registered across all owners.
func (s *Snapshot) TransformationCount() int {
	n := 0
	for _, t := range s.owners {
		for _, m := range t.transforms {
			n += len(m)
		}
	}
	return n
}

func (s *Snapshot) table(owner Owner) (*ownerTable, int) {
	for i, t := range s.owners {
		if t.owner == owner {
			return t, i
		}
	}
	return nil, -1
}

// Catalog stores owner-scoped registrations. Writes are serialized and
// publish a new Snapshot; reads never block.
type Catalog struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]
	seq      uint64
	engine   *transform.Engine
	logger   zerolog.Logger
}

// NewCatalog creates a catalog containing only the empty system owner.
// versions bounds the transformation chains; nil means every supported
// protocol version.
func NewCatalog(versions []protocol.Version) *Catalog {
	c := &Catalog{
		engine: transform.NewEngine(versions),
		logger: log.With().Str("component", "registry").Logger(),
	}
	c.snapshot.Store(&Snapshot{
		Generation: 1,
		owners:     []*ownerTable{newOwnerTable(SystemOwner, 1)},
	})
	return c
}

// Snapshot returns the current view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Generation returns the current snapshot generation.
func (c *Catalog) Generation() uint64 {
	return c.Snapshot().Generation
}

// Engine returns the transformation engine bound to the catalog's versions.
func (c *Catalog) Engine() *transform.Engine {
	return c.engine
}

// Owners returns every owner in lookup order.
func (c *Catalog) Owners() []Owner {
	return c.Snapshot().Owners()
}

// System returns the registrar of the system owner.
func (c *Catalog) System() *Registrar {
	return &Registrar{catalog: c, owner: SystemOwner}
}

// Open adds a new plugin owner and returns its registrar.
func (c *Catalog) Open(owner Owner) (*Registrar, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: empty owner", ErrInvalidEntry)
	}
	err := c.update(func(s *Snapshot, gen uint64) error {
		if t, _ := s.table(owner); t != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateOwner, owner)
		}
		s.owners = append(s.owners, newOwnerTable(owner, gen))
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("owner", string(owner)).Msg("owner opened")
	return &Registrar{catalog: c, owner: owner}, nil
}

// ClearPlugin removes every registration of owner. The system owner cannot
// be cleared.
func (c *Catalog) ClearPlugin(owner Owner) error {
	if owner == SystemOwner {
		return ErrSystemOwner
	}
	err := c.update(func(s *Snapshot, _ uint64) error {
		_, i := s.table(owner)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
		}
		s.owners = append(s.owners[:i], s.owners[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info().Str("owner", string(owner)).Msg("plugin registrations cleared")
	return nil
}

// ClearPlugins removes every plugin owner, keeping the system owner.
func (c *Catalog) ClearPlugins() {
	c.update(func(s *Snapshot, _ uint64) error {
		s.owners = s.owners[:1]
		return nil
	})
	c.logger.Info().Msg("all plugin registrations cleared")
}

// update copies the current snapshot, lets fn modify the copy and publishes
// it under a new generation.
func (c *Catalog) update(fn func(s *Snapshot, gen uint64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot.Load()
	gen := cur.Generation + 1
	next := &Snapshot{
		Generation: gen,
		owners:     append([]*ownerTable(nil), cur.owners...),
	}
	if err := fn(next, gen); err != nil {
		return err
	}
	c.snapshot.Store(next)
	return nil
}

// updateOwner clones owner's table, applies fn and publishes the result.
func (c *Catalog) updateOwner(owner Owner, fn func(t *ownerTable) error) error {
	return c.update(func(s *Snapshot, gen uint64) error {
		t, i := s.table(owner)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
		}
		clone := t.clone(gen)
		if err := fn(clone); err != nil {
			return err
		}
		s.owners[i] = clone
		return nil
	})
}

// Registrar registers packet kinds and transformations under one owner.
type Registrar struct {
	catalog *Catalog
	owner   Owner
}

// Owner returns the registrar's owner.
func (r *Registrar) Owner() Owner {
	return r.owner
}

// Register maps kind to wire ids for dir and phase. Registrations merge with
// earlier ones; the newest entry wins where ranges overlap.
func (r *Registrar) Register(dir protocol.Direction, phase protocol.Phase, kind protocol.Kind, factory Factory, mappings ...Mapping) error {
	if kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidEntry)
	}
	if len(mappings) == 0 {
		return fmt.Errorf("%w: %s has no id mappings", ErrInvalidEntry, kind)
	}
	for _, m := range mappings {
		if m.Until != 0 && m.Until < m.From {
			return fmt.Errorf("%w: %s mapping %s has an empty range", ErrInvalidEntry, kind, m)
		}
	}

	return r.catalog.updateOwner(r.owner, func(t *ownerTable) error {
		r.catalog.seq++
		key := tableKey{dir: dir, phase: phase}
		reg, ok := t.packets[key]
		if !ok {
			reg = NewPacketRegistry()
			t.packets[key] = reg
		}
		reg.Add(Entry{
			Owner:    r.owner,
			Kind:     kind,
			Factory:  factory,
			Mappings: append([]Mapping(nil), mappings...),
			Seq:      r.catalog.seq,
		})
		return nil
	})
}

// Replace swaps the owner's registry for dir and phase wholesale.
func (r *Registrar) Replace(dir protocol.Direction, phase protocol.Phase, entries ...Entry) error {
	return r.catalog.updateOwner(r.owner, func(t *ownerTable) error {
		reg := NewPacketRegistry()
		stamped := make([]Entry, len(entries))
		for i, e := range entries {
			if e.Kind == "" || len(e.Mappings) == 0 {
				return fmt.Errorf("%w: entry %d", ErrInvalidEntry, i)
			}
			r.catalog.seq++
			e.Owner = r.owner
			e.Seq = r.catalog.seq
			stamped[i] = e
		}
		reg.Replace(stamped...)
		t.packets[tableKey{dir: dir, phase: phase}] = reg
		return nil
	})
}

// RegisterTransformations adds mappings for kind. Every mapping must span
// two neighbouring versions; gaps are rejected here rather than at runtime.
func (r *Registrar) RegisterTransformations(kind protocol.Kind, mappings ...transform.Mapping) error {
	if err := r.catalog.engine.Validate(mappings...); err != nil {
		return fmt.Errorf("failed to register transformations for %s: %w", kind, err)
	}
	return r.catalog.updateOwner(r.owner, func(t *ownerTable) error {
		t.transforms[kind] = append(t.transforms[kind], mappings...)
		return nil
	})
}
