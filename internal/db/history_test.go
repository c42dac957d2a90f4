package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/events"
)

func newStore(t *testing.T) *LinkStore {
	t.Helper()
	s, err := NewLinkStore(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, player, backend, reason string, ended time.Time) LinkRecord {
	return LinkRecord{
		LinkID:             id,
		Player:             player,
		PlayerAddr:         "10.0.0.1:51234",
		Backend:            backend,
		PlayerVersion:      340,
		ServerVersion:      763,
		Reason:             reason,
		StartedAt:          ended.Add(-time.Minute),
		EndedAt:            ended,
		PacketsServerbound: 10,
		PacketsClientbound: 20,
	}
}

func TestLinkStoreRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.Record(ctx, record("a", "alex", "lobby", "peer_disconnected", base)))
	require.NoError(t, s.Record(ctx, record("b", "steve", "survival", "peer_kicked", base.Add(time.Second))))
	require.NoError(t, s.Record(ctx, record("c", "Alex", "lobby", "peer_disconnected", base.Add(2*time.Second))))
	// duplicates are ignored
	require.NoError(t, s.Record(ctx, record("a", "other", "lobby", "requested", base)))

	all, err := s.Recent(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].LinkID, all[1].LinkID, all[2].LinkID})

	a := all[2]
	assert.Equal(t, "alex", a.Player)
	assert.EqualValues(t, 340, a.PlayerVersion)
	assert.Equal(t, base, a.EndedAt)
	assert.Equal(t, time.Minute, a.Duration())
	assert.EqualValues(t, 20, a.PacketsClientbound)

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"backend", HistoryFilter{Backend: "lobby"}, 2},
		{"player ignores case", HistoryFilter{Player: "ALEX"}, 2},
		{"reason", HistoryFilter{Reason: "peer_kicked"}, 1},
		{"combined", HistoryFilter{Backend: "survival", Reason: "peer_disconnected"}, 0},
		{"limit", HistoryFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Recent(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	counts, err := s.CountByReason(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"peer_disconnected": 2, "peer_kicked": 1}, counts)
}

func TestLinkStorePrune(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		ended := now.Add(-time.Duration(i) * 24 * time.Hour)
		require.NoError(t, s.Record(ctx, record(fmt.Sprintf("l%d", i), "p", "lobby", "requested", ended)))
	}

	n, err := s.Prune(ctx, now.Add(-36*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	left, err := s.Recent(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestLinkStoreSubscribe(t *testing.T) {
	s := newStore(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	s.Subscribe(bus)

	stopped := time.Now()
	bus.Emit(context.Background(), events.Event{
		Type:   events.EventLinkStopped,
		Source: "link",
		Time:   stopped,
		Payload: events.LinkStoppedPayload{
			LinkID:    "x",
			Player:    "alex",
			Backend:   "lobby",
			Reason:    "peer_kicked",
			StartedAt: stopped.Add(-time.Second),
			PacketsIn: 7,
		},
	})
	bus.Wait()

	got, err := s.Recent(context.Background(), HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].LinkID)
	assert.Equal(t, "peer_kicked", got[0].Reason)
	assert.EqualValues(t, 7, got[0].PacketsServerbound)
}

func TestNewDatabaseCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := NewLinkStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, path)
}
