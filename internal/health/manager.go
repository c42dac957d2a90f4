// Package health periodically pings every backend for its status and
// watches free disk space, keeping the latest result of each check.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/proxy"
	"github.com/energizer-project/linkproxy/internal/stream"
)

// maxStatusLength bounds the status JSON a backend may send.
const maxStatusLength = 32767

var errUnexpectedReply = errors.New("unexpected status reply")

// Status is the latest status ping result for one backend.
type Status struct {
	Backend   string    `json:"backend"`
	Address   string    `json:"address"`
	Healthy   bool      `json:"healthy"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`

	// Filled from the backend's status reply.
	ReportedVersion protocol.Version `json:"reported_version,omitempty"`
	VersionName     string           `json:"version_name,omitempty"`
	VersionMismatch bool             `json:"version_mismatch,omitempty"`
	PlayersOnline   int              `json:"players_online"`
	PlayersMax      int              `json:"players_max"`
}

type statusReply struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int32  `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
	} `json:"players"`
}

// Manager runs the periodic checks.
type Manager struct {
	cfg      config.HealthConfig
	backends []proxy.Backend
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu     sync.RWMutex
	status map[string]Status
}

// NewManager creates a health check manager for the given backends.
func NewManager(cfg config.HealthConfig, backends []proxy.Backend, eventBus *events.EventBus) *Manager {
	return &Manager{
		cfg:      cfg,
		backends: slices.Clone(backends),
		eventBus: eventBus,
		logger:   log.With().Str("component", "health").Logger(),
		status:   make(map[string]Status),
	}
}

// Start launches the check goroutines and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"backends", m.cfg.Interval(), m.CheckBackends},
		{"disk_utilization", 5 * time.Minute, m.checkDiskUtilization},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("backends", len(m.backends)).Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// Status returns the latest result per backend, in configuration order.
// Backends not yet checked are omitted.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.status))
	for _, b := range m.backends {
		if st, ok := m.status[b.Name]; ok {
			out = append(out, st)
		}
	}
	return out
}

// BackendStatus returns the latest result for one backend.
func (m *Manager) BackendStatus(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[name]
	return st, ok
}

// CheckBackends pings every backend concurrently and records the results.
func (m *Manager) CheckBackends(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range m.backends {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.record(ctx, CheckBackend(ctx, b, m.cfg.Timeout()))
		}()
	}
	wg.Wait()
}

func (m *Manager) record(ctx context.Context, st Status) {
	m.mu.Lock()
	prev, seen := m.status[st.Backend]
	m.status[st.Backend] = st
	m.mu.Unlock()

	if st.VersionMismatch {
		m.logger.Warn().
			Str("backend", st.Backend).
			Str("reported", st.ReportedVersion.String()).
			Msg("backend reports a different protocol version than configured")
	}
	if seen && prev.Healthy == st.Healthy {
		return
	}

	if st.Healthy {
		m.logger.Info().Str("backend", st.Backend).Int64("latency_ms", st.LatencyMS).Msg("backend is up")
	} else {
		m.logger.Warn().Str("backend", st.Backend).Str("error", st.Error).Msg("backend is down")
	}
	if m.eventBus != nil {
		m.eventBus.Emit(ctx, events.NewEvent(events.EventBackendHealthChanged, "health", events.BackendHealthPayload{
			Backend: st.Backend,
			Address: st.Address,
			Healthy: st.Healthy,
			Error:   st.Error,
		}))
	}
}

// CheckBackend sends a status handshake to b and waits for the status reply.
func CheckBackend(ctx context.Context, b proxy.Backend, timeout time.Duration) Status {
	st := Status{Backend: b.Name, Address: b.Address, CheckedAt: time.Now()}
	start := time.Now()

	reply, err := ping(ctx, b, timeout)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	st.Healthy = true
	st.LatencyMS = time.Since(start).Milliseconds()
	st.ReportedVersion = protocol.Version(reply.Version.Protocol)
	st.VersionName = reply.Version.Name
	st.VersionMismatch = st.ReportedVersion != b.Version
	st.PlayersOnline = reply.Players.Online
	st.PlayersMax = reply.Players.Max
	return st
}

func ping(ctx context.Context, b proxy.Backend, timeout time.Duration) (*statusReply, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	host, portStr, err := net.SplitHostPort(b.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid backend address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid backend port: %w", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", b.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	ch, err := stream.NewChannel("status", conn, stream.NewFramerStage())
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	handshake := protocol.NewWriter().
		WriteVarInt(int32(b.Version)).
		WriteString(host).
		WriteUint16(uint16(port)).
		WriteVarInt(1).
		Bytes()
	if err := ch.WriteMessage(ctx, protocol.BinaryPacket{ID: 0x00, Body: handshake}); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}
	if err := ch.WriteMessage(ctx, protocol.BinaryPacket{ID: 0x00}); err != nil {
		return nil, fmt.Errorf("failed to send status request: %w", err)
	}

	msg, err := ch.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read status reply: %w", err)
	}
	pkt, ok := msg.(protocol.BinaryPacket)
	if !ok || pkt.ID != 0x00 {
		return nil, errUnexpectedReply
	}
	raw, err := protocol.NewReader(pkt.Body).ReadString(maxStatusLength)
	if err != nil {
		return nil, fmt.Errorf("failed to decode status reply: %w", err)
	}

	var reply statusReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse status reply: %w", err)
	}
	return &reply, nil
}

// checkDiskUtilization logs when free space runs low.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := m.cfg.DiskPath
	if path == "" {
		path = "."
	}

	usage, err := disk.Usage(path)
	if err != nil {
		m.logger.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	level := diskAlertLevel(usage.UsedPercent)
	if level == zerolog.NoLevel {
		m.logger.Debug().Float64("used_percent", usage.UsedPercent).Msg("disk utilization")
		return
	}
	m.logger.WithLevel(level).
		Str("path", path).
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_mb", usage.Free/(1024*1024)).
		Msg("disk space is running low")
}

// diskAlertLevel maps usage to a log level; NoLevel means no alert.
func diskAlertLevel(usedPercent float64) zerolog.Level {
	switch {
	case usedPercent >= 95:
		return zerolog.ErrorLevel
	case usedPercent >= 90:
		return zerolog.WarnLevel
	case usedPercent >= 80:
		return zerolog.InfoLevel
	default:
		return zerolog.NoLevel
	}
}
