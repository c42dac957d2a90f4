package protocol

import (
	"encoding/json"
	"fmt"
)

// Phase is the connection lifecycle stage of one side of a link. Phases
// only advance.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseStatus
	PhaseLogin
	PhaseConfiguration
	PhasePlay
)

var phaseNames = map[Phase]string{
	PhaseHandshake:     "handshake",
	PhaseStatus:        "status",
	PhaseLogin:         "login",
	PhaseConfiguration: "configuration",
	PhasePlay:          "play",
}

// Phases returns every phase in lifecycle order.
func Phases() []Phase {
	return []Phase{PhaseHandshake, PhaseStatus, PhaseLogin, PhaseConfiguration, PhasePlay}
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Direction is the travel direction of a packet.
type Direction int

const (
	// Serverbound packets travel from the player towards the backend.
	Serverbound Direction = iota
	// Clientbound packets travel from the backend towards the player.
	Clientbound
)

func (d Direction) String() string {
	switch d {
	case Serverbound:
		return "serverbound"
	case Clientbound:
		return "clientbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Serverbound {
		return Clientbound
	}
	return Serverbound
}

// MarshalJSON implements json.Marshaler.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
