package extension

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/registry"
	"github.com/energizer-project/linkproxy/internal/transform"
)

const kindTitle protocol.Kind = "title"

func titleExtension(name registry.Owner) Func {
	return Func{
		Name: name,
		Setup: func(r *registry.Registrar) error {
			if err := r.Register(protocol.Clientbound, protocol.PhasePlay, kindTitle, nil,
				registry.MapRange(0x45, 1, 1), registry.Map(0x47, 2)); err != nil {
				return err
			}
			return r.RegisterTransformations(kindTitle,
				transform.Downgrade(2, 1, func(w *transform.Wrapper) error { return nil }))
		},
		HookList: []events.Hook{
			{Name: "observe", OnPacket: func(ctx context.Context, ev events.PacketEvent) events.Decision {
				return events.Forward()
			}},
		},
	}
}

func TestManagerLoadUnload(t *testing.T) {
	ctx := context.Background()
	catalog := registry.NewCatalog([]protocol.Version{1, 2})
	pipeline := events.NewPipeline()
	bus := events.NewEventBus()
	defer bus.Stop()

	var (
		mu   sync.Mutex
		seen []events.EventType
	)
	record := func(ctx context.Context, e events.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	}
	bus.Subscribe(events.EventExtensionLoaded, "test", record)
	bus.Subscribe(events.EventExtensionUnloaded, "test", record)

	m := NewManager(catalog, pipeline, bus)
	require.NoError(t, m.Load(ctx, titleExtension("titles")))

	assert.True(t, m.IsLoaded("titles"))
	assert.Equal(t, 1, pipeline.Len())
	require.Len(t, m.List(), 1)
	assert.Equal(t, "titles", m.List()[0].Owner)
	assert.Equal(t, 1, m.List()[0].Hooks)

	holder := registry.NewHolder(catalog, 2)
	id, ok := holder.PacketID(protocol.Clientbound, protocol.PhasePlay, kindTitle)
	require.True(t, ok)
	assert.EqualValues(t, 0x47, id)
	assert.Len(t, holder.Transformations("titles", kindTitle), 1)

	t.Run("duplicate owner", func(t *testing.T) {
		err := m.Load(ctx, titleExtension("titles"))
		assert.ErrorIs(t, err, registry.ErrDuplicateOwner)
	})

	require.NoError(t, m.Unload(ctx, "titles"))
	assert.False(t, m.IsLoaded("titles"))
	assert.Zero(t, pipeline.Len())
	_, ok = holder.PacketID(protocol.Clientbound, protocol.PhasePlay, kindTitle)
	assert.False(t, ok)

	assert.ErrorIs(t, m.Unload(ctx, "titles"), ErrNotLoaded)

	bus.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []events.EventType{events.EventExtensionLoaded, events.EventExtensionUnloaded}, seen)
}

func TestManagerRollsBackFailedRegistration(t *testing.T) {
	ctx := context.Background()
	catalog := registry.NewCatalog([]protocol.Version{1, 2, 3})
	m := NewManager(catalog, events.NewPipeline(), nil)

	boom := errors.New("boom")
	err := m.Load(ctx, Func{
		Name: "broken",
		Setup: func(r *registry.Registrar) error {
			if err := r.Register(protocol.Serverbound, protocol.PhasePlay, kindTitle, nil, registry.Map(0x01, 1)); err != nil {
				return err
			}
			return boom
		},
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, m.IsLoaded("broken"))
	assert.Equal(t, []registry.Owner{registry.SystemOwner}, catalog.Owners())

	t.Run("unbalanced transformation", func(t *testing.T) {
		err := m.Load(ctx, Func{
			Name: "gappy",
			Setup: func(r *registry.Registrar) error {
				return r.RegisterTransformations(kindTitle,
					transform.Downgrade(3, 1, func(w *transform.Wrapper) error { return nil }))
			},
		})
		assert.Error(t, err)
		assert.Equal(t, []registry.Owner{registry.SystemOwner}, catalog.Owners())
	})

	// the owner can be loaded again after a rollback
	require.NoError(t, m.Load(ctx, Func{Name: "broken"}))
}

func TestManagerUnloadAll(t *testing.T) {
	ctx := context.Background()
	catalog := registry.NewCatalog([]protocol.Version{1, 2})
	pipeline := events.NewPipeline()
	m := NewManager(catalog, pipeline, nil)

	require.NoError(t, m.Load(ctx, titleExtension("a")))
	require.NoError(t, m.Load(ctx, titleExtension("b")))
	assert.Equal(t, 2, pipeline.Len())

	m.UnloadAll(ctx)
	assert.Empty(t, m.List())
	assert.Zero(t, pipeline.Len())
	assert.Equal(t, []registry.Owner{registry.SystemOwner}, catalog.Owners())
}
