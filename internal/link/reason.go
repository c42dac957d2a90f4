package link

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/energizer-project/linkproxy/internal/stream"
)

// StopReason records why a link ended.
type StopReason int32

const (
	ReasonNone StopReason = iota
	ReasonPeerDisconnected
	ReasonPeerKicked
	ReasonInternalException
	ReasonRequested
)

var reasonNames = map[StopReason]string{
	ReasonNone:              "none",
	ReasonPeerDisconnected:  "peer_disconnected",
	ReasonPeerKicked:        "peer_kicked",
	ReasonInternalException: "internal_exception",
	ReasonRequested:         "requested",
}

func (r StopReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

func (r StopReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// State is the lifecycle state of a link.
type State int32

const (
	StateStarting State = iota
	StateStarted
	StateStopping
	StateStopped
)

var stateNames = map[State]string{
	StateStarting: "starting",
	StateStarted:  "started",
	StateStopping: "stopping",
	StateStopped:  "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

var (
	// ErrKicked ends a link after a disconnect packet was forwarded.
	ErrKicked = errors.New("peer sent disconnect")
	// ErrUnsupportedVersion is returned for a login from a protocol version
	// the catalog does not know.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrBackendEncryption is returned when a backend asks for encryption.
	// Backends behind the proxy must run in offline mode.
	ErrBackendEncryption = errors.New("backend requested encryption")
	// ErrAlreadyStarted is returned by Run on a link that already ran.
	ErrAlreadyStarted = errors.New("link already started")
)

// classify maps the error that ended a pump to a stop reason.
func classify(err error) StopReason {
	switch {
	case err == nil:
		return ReasonRequested
	case errors.Is(err, ErrKicked):
		return ReasonPeerKicked
	case errors.Is(err, context.Canceled):
		return ReasonRequested
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, stream.ErrChannelClosed):
		return ReasonPeerDisconnected
	default:
		return ReasonInternalException
	}
}
