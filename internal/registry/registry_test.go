package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/transform"
)

const (
	kindChat  protocol.Kind = "chat"
	kindTitle protocol.Kind = "title"
)

func TestMappingRanges(t *testing.T) {
	open := Map(0x10, 340)
	assert.False(t, open.Contains(47))
	assert.True(t, open.Contains(340))
	assert.True(t, open.Contains(767))

	closed := MapRange(0x10, 340, 763)
	assert.True(t, closed.Contains(763))
	assert.False(t, closed.Contains(764))
}

func TestPacketRegistryNewestWins(t *testing.T) {
	r := NewPacketRegistry()
	r.Add(Entry{Kind: kindChat, Mappings: []Mapping{Map(0x01, 47)}, Seq: 1})
	r.Add(Entry{Kind: kindTitle, Mappings: []Mapping{Map(0x01, 340)}, Seq: 2})

	e, ok := r.TryCreateDecoder(0x01, 47)
	require.True(t, ok)
	assert.Equal(t, kindChat, e.Kind)

	e, ok = r.TryCreateDecoder(0x01, 763)
	require.True(t, ok)
	assert.Equal(t, kindTitle, e.Kind)

	_, ok = r.TryCreateDecoder(0x02, 763)
	assert.False(t, ok)

	r.Replace(Entry{Kind: kindChat, Mappings: []Mapping{Map(0x05, 47)}})
	assert.Equal(t, 1, r.Len())
	id, _, ok := r.TryGetPacketID(kindChat, 767)
	require.True(t, ok)
	assert.EqualValues(t, 0x05, id)
}

func TestRegistryResolutionDeterminism(t *testing.T) {
	c := NewCatalog(nil)

	first, err := c.Open("first")
	require.NoError(t, err)
	second, err := c.Open("second")
	require.NoError(t, err)

	// same kind, overlapping ranges [340, 764] and [763, +)
	require.NoError(t, first.Register(protocol.Clientbound, protocol.PhasePlay, kindChat, nil, MapRange(0x30, 340, 764)))
	require.NoError(t, second.Register(protocol.Clientbound, protocol.PhasePlay, kindChat, nil, Map(0x31, 763)))

	for i := 0; i < 50; i++ {
		h := NewHolder(c, protocol.V1_20_1)
		id, ok := h.PacketID(protocol.Clientbound, protocol.PhasePlay, kindChat)
		require.True(t, ok)
		assert.EqualValues(t, 0x31, id, "overlap must resolve to the newest registration")

		h.Setup(SystemOwner, protocol.V1_12_2)
		id, ok = h.PacketID(protocol.Clientbound, protocol.PhasePlay, kindChat)
		require.True(t, ok)
		assert.EqualValues(t, 0x30, id, "outside the overlap the only mapping applies")
	}

	// both ids still decode to the kind for their owners
	h := NewHolder(c, protocol.V1_20_1)
	res, ok := h.Lookup(protocol.Clientbound, protocol.PhasePlay, 0x30)
	require.True(t, ok)
	assert.Equal(t, Owner("first"), res.Owner)
	res, ok = h.Lookup(protocol.Clientbound, protocol.PhasePlay, 0x31)
	require.True(t, ok)
	assert.Equal(t, Owner("second"), res.Owner)
}

func TestSystemTakesPrecedenceForIDs(t *testing.T) {
	c := NewCatalog(nil)
	plugin, err := c.Open("plugin")
	require.NoError(t, err)

	require.NoError(t, plugin.Register(protocol.Serverbound, protocol.PhasePlay, kindTitle, nil, Map(0x20, 47)))
	require.NoError(t, c.System().Register(protocol.Serverbound, protocol.PhasePlay, kindChat, nil, Map(0x20, 47)))

	h := NewHolder(c, protocol.V1_21)
	res, ok := h.Lookup(protocol.Serverbound, protocol.PhasePlay, 0x20)
	require.True(t, ok)
	assert.Equal(t, SystemOwner, res.Owner)
	assert.Equal(t, kindChat, res.Kind)

	// direction and phase are separate tables
	_, ok = h.Lookup(protocol.Clientbound, protocol.PhasePlay, 0x20)
	assert.False(t, ok)
	_, ok = h.Lookup(protocol.Serverbound, protocol.PhaseLogin, 0x20)
	assert.False(t, ok)
}

func TestHolderSetup(t *testing.T) {
	c := NewCatalog(nil)
	require.NoError(t, c.System().RegisterTransformations(kindChat,
		transform.Upgrade(protocol.V1_8, protocol.V1_12_2, func(w *transform.Wrapper) error { return nil })))
	plugin, err := c.Open("plugin")
	require.NoError(t, err)
	require.NoError(t, plugin.RegisterTransformations(kindTitle,
		transform.Upgrade(protocol.V1_8, protocol.V1_12_2, func(w *transform.Wrapper) error { return nil })))

	h := NewHolder(c, protocol.V1_8)
	assert.Equal(t, SystemOwner, h.Owner())
	assert.Equal(t, protocol.V1_8, h.Version())
	assert.Len(t, h.Transformations("", kindChat), 1)
	assert.Empty(t, h.Transformations("", kindTitle))

	h.Setup("plugin", protocol.V1_12_2)
	assert.Equal(t, Owner("plugin"), h.Owner())
	assert.Equal(t, protocol.V1_12_2, h.Version())
	assert.Len(t, h.Transformations("", kindTitle), 1, "an empty owner means the holder's own")
	assert.Empty(t, h.Transformations("", kindChat))
	assert.Len(t, h.Transformations(SystemOwner, kindChat), 1, "an explicit owner overrides the holder's")

	h.Setup("", protocol.V1_8)
	assert.Equal(t, SystemOwner, h.Owner())
}

func TestClearPlugin(t *testing.T) {
	c := NewCatalog(nil)
	require.NoError(t, c.System().Register(protocol.Clientbound, protocol.PhasePlay, kindChat, nil, Map(0x0F, 47)))

	plugin, err := c.Open("plugin")
	require.NoError(t, err)
	require.NoError(t, plugin.Register(protocol.Clientbound, protocol.PhasePlay, kindTitle, nil, Map(0x45, 47)))
	require.NoError(t, plugin.RegisterTransformations(kindTitle,
		transform.Upgrade(protocol.V1_8, protocol.V1_12_2, func(w *transform.Wrapper) error { return nil })))

	h := NewHolder(c, protocol.V1_12_2)
	before := c.Snapshot()
	assert.Len(t, h.Transformations("plugin", kindTitle), 1)

	require.NoError(t, h.ClearPlugin("plugin"))
	assert.Equal(t, []Owner{SystemOwner}, c.Owners())
	assert.Greater(t, c.Generation(), before.Generation)

	_, ok := h.Lookup(protocol.Clientbound, protocol.PhasePlay, 0x45)
	assert.False(t, ok)
	assert.Empty(t, h.Transformations("plugin", kindTitle))

	_, ok = h.Lookup(protocol.Clientbound, protocol.PhasePlay, 0x0F)
	assert.True(t, ok, "system registrations survive")

	// a snapshot taken before the unload still sees the plugin
	tbl, _ := before.table("plugin")
	require.NotNil(t, tbl)

	assert.ErrorIs(t, c.ClearPlugin("plugin"), ErrUnknownOwner)
	assert.ErrorIs(t, c.ClearPlugin(SystemOwner), ErrSystemOwner)
}

func TestClearPlugins(t *testing.T) {
	c := NewCatalog(nil)
	for _, o := range []Owner{"a", "b", "c"} {
		_, err := c.Open(o)
		require.NoError(t, err)
	}
	assert.Equal(t, []Owner{SystemOwner, "a", "b", "c"}, c.Owners())

	_, err := c.Open("b")
	assert.ErrorIs(t, err, ErrDuplicateOwner)

	c.ClearPlugins()
	assert.Equal(t, []Owner{SystemOwner}, c.Owners())
}

func TestRegisterValidation(t *testing.T) {
	c := NewCatalog(nil)
	sys := c.System()

	assert.ErrorIs(t, sys.Register(protocol.Clientbound, protocol.PhasePlay, "", nil, Map(1, 47)), ErrInvalidEntry)
	assert.ErrorIs(t, sys.Register(protocol.Clientbound, protocol.PhasePlay, kindChat, nil), ErrInvalidEntry)
	assert.ErrorIs(t, sys.Register(protocol.Clientbound, protocol.PhasePlay, kindChat, nil, MapRange(1, 763, 340)), ErrInvalidEntry)

	err := sys.RegisterTransformations(kindChat,
		transform.Upgrade(protocol.V1_8, protocol.V1_20_1, func(w *transform.Wrapper) error { return nil }))
	assert.ErrorIs(t, err, transform.ErrNotAdjacent)

	_, err = c.Open("")
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestRegistrarReplace(t *testing.T) {
	c := NewCatalog(nil)
	p, err := c.Open("p")
	require.NoError(t, err)
	require.NoError(t, p.Register(protocol.Serverbound, protocol.PhasePlay, kindChat, nil, Map(0x01, 47)))
	require.NoError(t, p.Replace(protocol.Serverbound, protocol.PhasePlay,
		Entry{Kind: kindTitle, Mappings: []Mapping{Map(0x02, 47)}}))

	h := NewHolder(c, protocol.V1_8)
	_, ok := h.PacketID(protocol.Serverbound, protocol.PhasePlay, kindChat)
	assert.False(t, ok)
	id, ok := h.PacketID(protocol.Serverbound, protocol.PhasePlay, kindTitle)
	require.True(t, ok)
	assert.EqualValues(t, 0x02, id)
}

type pingPacket struct {
	Payload int64
}

func (p *pingPacket) Kind() protocol.Kind { return "ping" }

func (p *pingPacket) Decode(r *protocol.Reader, _ protocol.Version) error {
	v, err := r.ReadInt64()
	p.Payload = v
	return err
}

func (p *pingPacket) Encode(w *protocol.Writer, _ protocol.Version) error {
	w.WriteInt64(p.Payload)
	return nil
}

func TestHolderDecodeEncode(t *testing.T) {
	c := NewCatalog(nil)
	require.NoError(t, c.System().Register(protocol.Serverbound, protocol.PhaseStatus, "ping",
		func() protocol.Packet { return &pingPacket{} }, Map(0x01, 47)))

	h := NewHolder(c, protocol.V1_21)
	bin, err := h.Encode(protocol.Serverbound, protocol.PhaseStatus, &pingPacket{Payload: 99})
	require.NoError(t, err)
	assert.EqualValues(t, 0x01, bin.ID)

	res, pkt, err := h.Decode(protocol.Serverbound, protocol.PhaseStatus, bin)
	require.NoError(t, err)
	assert.Equal(t, protocol.Kind("ping"), res.Kind)
	assert.Equal(t, &pingPacket{Payload: 99}, pkt)

	// trailing bytes are a desync
	bin.Body = append(bin.Body, 0x00)
	_, _, err = h.Decode(protocol.Serverbound, protocol.PhaseStatus, bin)
	assert.ErrorIs(t, err, protocol.ErrTrailingData)

	// unknown ids decode to nothing without error
	_, pkt, err = h.Decode(protocol.Serverbound, protocol.PhaseStatus, protocol.BinaryPacket{ID: 0x7f})
	require.NoError(t, err)
	assert.Nil(t, pkt)
}
