// Package extension loads and unloads extensions. An extension registers
// packet kinds and transformations under its own registry owner and may
// contribute packet hooks; unloading removes all of it at once.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/registry"
)

var ErrNotLoaded = errors.New("extension not loaded")

// Extension is a unit of registrations loaded under one owner.
type Extension interface {
	Owner() registry.Owner
	Register(r *registry.Registrar) error
}

// HookProvider is implemented by extensions that inspect packets.
type HookProvider interface {
	Hooks() []events.Hook
}

// Info describes a loaded extension.
type Info struct {
	Owner    string    `json:"owner"`
	Hooks    int       `json:"hooks"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Manager tracks loaded extensions.
type Manager struct {
	mu       sync.RWMutex
	catalog  *registry.Catalog
	pipeline *events.Pipeline
	bus      *events.EventBus
	loaded   map[registry.Owner]Info
	logger   zerolog.Logger
}

// NewManager creates a manager. pipeline and bus may be nil.
func NewManager(catalog *registry.Catalog, pipeline *events.Pipeline, bus *events.EventBus) *Manager {
	return &Manager{
		catalog:  catalog,
		pipeline: pipeline,
		bus:      bus,
		loaded:   make(map[registry.Owner]Info),
		logger:   log.With().Str("component", "extensions").Logger(),
	}
}

// Load opens ext's owner and runs its registration. A failed registration
// leaves nothing behind.
func (m *Manager) Load(ctx context.Context, ext Extension) error {
	owner := ext.Owner()

	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.catalog.Open(owner)
	if err != nil {
		return fmt.Errorf("failed to load extension %s: %w", owner, err)
	}
	if err := ext.Register(reg); err != nil {
		if cerr := m.catalog.ClearPlugin(owner); cerr != nil {
			m.logger.Warn().Err(cerr).Str("owner", string(owner)).Msg("rollback failed")
		}
		return fmt.Errorf("failed to load extension %s: %w", owner, err)
	}

	info := Info{Owner: string(owner), LoadedAt: time.Now()}
	if hp, ok := ext.(HookProvider); ok && m.pipeline != nil {
		for _, h := range hp.Hooks() {
			h.Owner = string(owner)
			m.pipeline.Register(h)
			info.Hooks++
		}
	}
	m.loaded[owner] = info

	m.logger.Info().Str("owner", string(owner)).Int("hooks", info.Hooks).Msg("extension loaded")
	m.emit(ctx, events.EventExtensionLoaded, owner)
	return nil
}

// Unload removes every registration and hook of owner.
func (m *Manager) Unload(ctx context.Context, owner registry.Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loaded[owner]; !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, owner)
	}
	m.unload(ctx, owner)
	return nil
}

// UnloadAll removes every loaded extension.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for owner := range m.loaded {
		m.unload(ctx, owner)
	}
}

func (m *Manager) unload(ctx context.Context, owner registry.Owner) {
	if err := m.catalog.ClearPlugin(owner); err != nil {
		m.logger.Warn().Err(err).Str("owner", string(owner)).Msg("failed to clear registrations")
	}
	removed := 0
	if m.pipeline != nil {
		removed = m.pipeline.RemoveOwner(string(owner))
	}
	delete(m.loaded, owner)

	m.logger.Info().Str("owner", string(owner)).Int("hooks", removed).Msg("extension unloaded")
	m.emit(ctx, events.EventExtensionUnloaded, owner)
}

// List returns the loaded extensions ordered by load time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.loaded))
	for _, info := range m.loaded {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LoadedAt.Before(out[j].LoadedAt)
	})
	return out
}

// IsLoaded reports whether owner is loaded.
func (m *Manager) IsLoaded(owner registry.Owner) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loaded[owner]
	return ok
}

func (m *Manager) emit(ctx context.Context, t events.EventType, owner registry.Owner) {
	if m.bus != nil {
		m.bus.Emit(ctx, events.NewEvent(t, "extensions", events.ExtensionPayload{Owner: string(owner)}))
	}
}

// Func adapts a registration function and optional hooks to an Extension.
type Func struct {
	Name     registry.Owner
	Setup    func(r *registry.Registrar) error
	HookList []events.Hook
}

func (f Func) Owner() registry.Owner { return f.Name }

func (f Func) Register(r *registry.Registrar) error {
	if f.Setup == nil {
		return nil
	}
	return f.Setup(r)
}

func (f Func) Hooks() []events.Hook { return f.HookList }
