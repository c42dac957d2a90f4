package proxy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/link"
)

var ErrLinkNotFound = errors.New("link not found")

// LinkRegistry tracks running links by id.
type LinkRegistry struct {
	mu    sync.RWMutex
	links map[string]*link.Link
}

// NewLinkRegistry creates an empty registry.
func NewLinkRegistry() *LinkRegistry {
	return &LinkRegistry{
		links: make(map[string]*link.Link),
	}
}

// Register adds l.
func (r *LinkRegistry) Register(l *link.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.ID()] = l
	log.Debug().Str("link_id", l.ID()).Msg("link registered")
}

// Unregister removes the link with id.
func (r *LinkRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[id]; ok {
		delete(r.links, id)
		log.Debug().Str("link_id", id).Msg("link unregistered")
	}
}

// Get returns the link with id.
func (r *LinkRegistry) Get(id string) (*link.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	return l, ok
}

// Count returns the number of running links.
func (r *LinkRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// CountByBackend returns the number of links per backend name.
func (r *LinkRegistry) CountByBackend() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, l := range r.links {
		out[l.Backend()]++
	}
	return out
}

// List returns a snapshot of every link, oldest first.
func (r *LinkRegistry) List() []link.Info {
	r.mu.RLock()
	infos := make([]link.Info, 0, len(r.links))
	for _, l := range r.links {
		infos = append(infos, l.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Stop stops the link with id using reason.
func (r *LinkRegistry) Stop(id string, reason link.StopReason) error {
	l, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, id)
	}
	l.Stop(reason)
	return nil
}

// StopAll stops every link and returns how many were asked to stop.
func (r *LinkRegistry) StopAll(reason link.StopReason) int {
	r.mu.RLock()
	links := make([]*link.Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.RUnlock()

	for _, l := range links {
		l.Stop(reason)
	}
	if len(links) > 0 {
		log.Info().Int("links", len(links)).Msg("all links stopped")
	}
	return len(links)
}
