// Package events defines the lifecycle events of the proxy, the asynchronous
// EventBus that fans them out, and the synchronous packet Pipeline that lets
// extensions inspect, suppress or replace packets in flight.
package events

import (
	"time"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Link lifecycle events
	EventLinkStarted      EventType = "link_started"
	EventLinkStopped      EventType = "link_stopped"
	EventLinkPhaseChanged EventType = "link_phase_changed"
	EventLinkRejected     EventType = "link_rejected"

	// Extension events
	EventExtensionLoaded   EventType = "extension_loaded"
	EventExtensionUnloaded EventType = "extension_unloaded"

	// Backend events
	EventBackendHealthChanged EventType = "backend_health_changed"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// AllLinkEvents lists the events emitted by links.
var AllLinkEvents = []EventType{EventLinkStarted, EventLinkStopped, EventLinkPhaseChanged}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, source string, payload interface{}) Event {
	return Event{Type: t, Source: source, Time: time.Now(), Payload: payload}
}

// LinkStartedPayload is emitted once both pumps of a link are running.
type LinkStartedPayload struct {
	LinkID        string           `json:"link_id"`
	PlayerAddr    string           `json:"player_addr"`
	Backend       string           `json:"backend"`
	BackendAddr   string           `json:"backend_addr"`
	PlayerVersion protocol.Version `json:"player_version"`
	ServerVersion protocol.Version `json:"server_version"`
}

// LinkStoppedPayload is emitted exactly once per link.
type LinkStoppedPayload struct {
	LinkID        string           `json:"link_id"`
	Player        string           `json:"player,omitempty"`
	PlayerAddr    string           `json:"player_addr"`
	Backend       string           `json:"backend"`
	PlayerVersion protocol.Version `json:"player_version"`
	ServerVersion protocol.Version `json:"server_version"`
	Reason        string           `json:"reason"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	Duration      time.Duration    `json:"duration"`
	PacketsIn     uint64           `json:"packets_serverbound"`
	PacketsOut    uint64           `json:"packets_clientbound"`
}

// LinkPhaseChangedPayload is emitted when one side of a link changes phase.
type LinkPhaseChangedPayload struct {
	LinkID string         `json:"link_id"`
	Side   string         `json:"side"`
	From   protocol.Phase `json:"from"`
	To     protocol.Phase `json:"to"`
}

// LinkRejectedPayload is emitted when an inbound connection is refused
// before a link exists.
type LinkRejectedPayload struct {
	RemoteAddr string `json:"remote_addr"`
	Reason     string `json:"reason"`
}

// ExtensionPayload is emitted when an extension is loaded or unloaded.
type ExtensionPayload struct {
	Owner string `json:"owner"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}

// BackendHealthPayload is emitted when a backend's health check result flips.
type BackendHealthPayload struct {
	Backend string `json:"backend"`
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}
