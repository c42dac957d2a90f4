package transform

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// ErrNotAdjacent is returned when a mapping spans more than one version hop.
var ErrNotAdjacent = errors.New("transformation must span adjacent versions")

// Func rewrites one packet body for a single version hop.
type Func func(w *Wrapper) error

// Mapping binds a Func to one adjacent version pair. Upgrades have From older
// than To; downgrades the reverse.
type Mapping struct {
	From  protocol.Version
	To    protocol.Version
	Apply Func
}

// Upgrade returns a mapping from -> to.
func Upgrade(from, to protocol.Version, fn Func) Mapping {
	return Mapping{From: from, To: to, Apply: fn}
}

// Downgrade returns a mapping from -> to where from is the newer version.
func Downgrade(from, to protocol.Version, fn Func) Mapping {
	return Mapping{From: from, To: to, Apply: fn}
}

// Engine walks chains of adjacent-version mappings.
type Engine struct {
	versions []protocol.Version
	logger   zerolog.Logger
}

// NewEngine creates an engine over an ascending version list. A nil list
// uses every supported version.
func NewEngine(versions []protocol.Version) *Engine {
	if versions == nil {
		versions = protocol.Versions()
	}
	return &Engine{
		versions: versions,
		logger:   log.With().Str("component", "transform").Logger(),
	}
}

// Versions returns the version list the engine chains over.
func (e *Engine) Versions() []protocol.Version {
	return e.versions
}

// Validate rejects mappings that are not between neighbouring versions or
// that have no function.
func (e *Engine) Validate(mappings ...Mapping) error {
	for _, m := range mappings {
		if m.Apply == nil {
			return fmt.Errorf("mapping %d -> %d has no function", m.From, m.To)
		}
		if len(protocol.PathWithin(e.versions, m.From, m.To)) != 2 {
			return fmt.Errorf("%w: %d -> %d", ErrNotAdjacent, m.From, m.To)
		}
	}
	return nil
}

// Transform rewrites body from version from to version to by applying each
// hop's mapping in turn. Hops without a mapping leave the body unchanged.
func (e *Engine) Transform(body []byte, from, to protocol.Version, origin protocol.Direction, mappings []Mapping) ([]byte, error) {
	if from == to || len(mappings) == 0 {
		return body, nil
	}
	path := protocol.PathWithin(e.versions, from, to)
	if path == nil {
		return nil, fmt.Errorf("no version path from %d to %d", from, to)
	}

	for i := 0; i+1 < len(path); i++ {
		m, ok := find(mappings, path[i], path[i+1])
		if !ok {
			continue
		}
		w := newWrapper(body, origin, path[i], path[i+1])
		if err := m.Apply(w); err != nil {
			return nil, fmt.Errorf("transformation %d -> %d failed: %w", path[i], path[i+1], err)
		}
		out, err := w.finish()
		if err != nil {
			return nil, fmt.Errorf("transformation %d -> %d failed: %w", path[i], path[i+1], err)
		}
		e.logger.Trace().
			Int32("from", int32(path[i])).
			Int32("to", int32(path[i+1])).
			Int("in", len(body)).
			Int("out", len(out)).
			Msg("hop applied")
		body = out
	}
	return body, nil
}

func find(mappings []Mapping, from, to protocol.Version) (Mapping, bool) {
	for i := len(mappings) - 1; i >= 0; i-- {
		if mappings[i].From == from && mappings[i].To == to {
			return mappings[i], true
		}
	}
	return Mapping{}, false
}
