package health

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/proxy"
	"github.com/energizer-project/linkproxy/internal/stream"
)

// statusServer answers every status ping with the given JSON.
func statusServer(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				ctx := context.Background()
				ch, err := stream.NewChannel("backend", conn, stream.NewFramerStage())
				if err != nil {
					return
				}
				defer ch.Close()

				hs, err := ch.ReadMessage(ctx)
				if err != nil {
					return
				}
				body := hs.(protocol.BinaryPacket).Body
				if next := body[len(body)-1]; next != 1 {
					return
				}
				if _, err := ch.ReadMessage(ctx); err != nil {
					return
				}
				ch.WriteMessage(ctx, protocol.BinaryPacket{ID: 0x00, Body: protocol.NewWriter().WriteString(reply).Bytes()})
			}()
		}
	}()
	return ln.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

const hubReply = `{"version":{"name":"1.20.1","protocol":763},"players":{"max":100,"online":7},"description":{"text":"hub"}}`

func TestCheckBackend(t *testing.T) {
	addr := statusServer(t, hubReply)

	st := CheckBackend(context.Background(), proxy.Backend{Name: "hub", Address: addr, Version: 763}, time.Second)
	require.True(t, st.Healthy, st.Error)
	assert.Equal(t, "hub", st.Backend)
	assert.Equal(t, protocol.Version(763), st.ReportedVersion)
	assert.Equal(t, "1.20.1", st.VersionName)
	assert.False(t, st.VersionMismatch)
	assert.Equal(t, 7, st.PlayersOnline)
	assert.Equal(t, 100, st.PlayersMax)
}

func TestCheckBackendVersionMismatch(t *testing.T) {
	addr := statusServer(t, hubReply)

	st := CheckBackend(context.Background(), proxy.Backend{Name: "hub", Address: addr, Version: 340}, time.Second)
	require.True(t, st.Healthy, st.Error)
	assert.True(t, st.VersionMismatch)
}

func TestCheckBackendFailures(t *testing.T) {
	tests := []struct {
		name string
		addr func(t *testing.T) string
	}{
		{"refused", closedAddr},
		{"bad json", func(t *testing.T) string { return statusServer(t, "{not json") }},
		{"bad address", func(*testing.T) string { return "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := CheckBackend(context.Background(), proxy.Backend{Name: "b", Address: tt.addr(t), Version: 763}, time.Second)
			assert.False(t, st.Healthy)
			assert.NotEmpty(t, st.Error)
		})
	}
}

func TestCheckBackendsEmitsOnChange(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	var got []events.BackendHealthPayload
	bus.Subscribe(events.EventBackendHealthChanged, "test", func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload.(events.BackendHealthPayload))
		return nil
	})

	backends := []proxy.Backend{
		{Name: "hub", Address: statusServer(t, hubReply), Version: 763, Default: true},
		{Name: "gone", Address: closedAddr(t), Version: 763},
	}
	m := NewManager(config.HealthConfig{Enabled: true, IntervalSec: 30, TimeoutSec: 1}, backends, bus)

	ctx := context.Background()
	m.CheckBackends(ctx)
	m.CheckBackends(ctx)
	bus.Wait()

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "hub", status[0].Backend)
	assert.True(t, status[0].Healthy)
	assert.Equal(t, "gone", status[1].Backend)
	assert.False(t, status[1].Healthy)

	st, ok := m.BackendStatus("gone")
	require.True(t, ok)
	assert.False(t, st.Healthy)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2, "an unchanged result is not re-announced")
}

func TestStartStopsOnCancel(t *testing.T) {
	m := NewManager(config.HealthConfig{Enabled: true, IntervalSec: 1, TimeoutSec: 1, DiskPath: t.TempDir()}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestDiskAlertLevel(t *testing.T) {
	assert.Equal(t, zerolog.NoLevel, diskAlertLevel(42))
	assert.Equal(t, zerolog.InfoLevel, diskAlertLevel(80))
	assert.Equal(t, zerolog.WarnLevel, diskAlertLevel(91.5))
	assert.Equal(t, zerolog.ErrorLevel, diskAlertLevel(99))
}
