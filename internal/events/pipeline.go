package events

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

// Action is what a link does with a packet after dispatch.
type Action int

const (
	ActionForward Action = iota
	ActionSuppress
	ActionReplace
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionSuppress:
		return "suppress"
	case ActionReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Decision is the result of a packet hook.
type Decision struct {
	Action  Action
	Message protocol.Message
}

// Forward leaves the packet unchanged.
func Forward() Decision { return Decision{Action: ActionForward} }

// Suppress drops the packet.
func Suppress() Decision { return Decision{Action: ActionSuppress} }

// Replace substitutes msg for the packet.
func Replace(msg protocol.Message) Decision {
	return Decision{Action: ActionReplace, Message: msg}
}

// LinkView is the read-only face of a link handed to hooks.
type LinkView interface {
	ID() string
	Player() string
	Backend() string
	PlayerVersion() protocol.Version
	ServerVersion() protocol.Version
}

// PacketEvent describes one packet in flight.
type PacketEvent struct {
	Direction protocol.Direction
	Phase     protocol.Phase
	// Kind and Owner are empty for packets no registry resolves.
	Kind    protocol.Kind
	Owner   string
	Message protocol.Message
	// Packet is the decoded form when the kind registers a factory.
	Packet protocol.Packet
	Link   LinkView
}

// PacketHandler inspects a packet before it is forwarded.
type PacketHandler func(ctx context.Context, ev PacketEvent) Decision

// SentHandler observes a packet after it was written.
type SentHandler func(ctx context.Context, ev PacketEvent)

// Hook is a packet handler registered by an owner.
type Hook struct {
	Name string
	// Owner groups hooks for removal when an extension unloads.
	Owner string
	// Lower priorities run first.
	Priority int
	// Kinds restricts the hook to the given packet kinds; empty matches all.
	Kinds    []protocol.Kind
	OnPacket PacketHandler
	OnSent   SentHandler

	seq int
}

func (h *Hook) matches(kind protocol.Kind) bool {
	if len(h.Kinds) == 0 {
		return true
	}
	for _, k := range h.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Pipeline runs packet hooks synchronously on the pump that read the packet.
type Pipeline struct {
	mu     sync.RWMutex
	hooks  []*Hook
	seq    int
	logger zerolog.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		logger: log.With().Str("component", "pipeline").Logger(),
	}
}

// Register adds a hook.
func (p *Pipeline) Register(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	h.seq = p.seq
	hooks := append(append([]*Hook(nil), p.hooks...), &h)
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority < hooks[j].Priority
		}
		return hooks[i].seq < hooks[j].seq
	})
	p.hooks = hooks

	p.logger.Debug().
		Str("hook", h.Name).
		Str("owner", h.Owner).
		Int("priority", h.Priority).
		Msg("hook registered")
}

// RemoveOwner removes every hook registered by owner and returns how many
// were removed.
func (p *Pipeline) RemoveOwner(owner string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]*Hook, 0, len(p.hooks))
	for _, h := range p.hooks {
		if h.Owner != owner {
			kept = append(kept, h)
		}
	}
	removed := len(p.hooks) - len(kept)
	p.hooks = kept
	return removed
}

// Len returns the number of registered hooks.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.hooks)
}

func (p *Pipeline) snapshot() []*Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hooks
}

// Dispatch composes the decisions of every matching hook in priority order.
// A Suppress ends dispatch; a Replace hands the new message to the next
// hook. A panicking hook is skipped.
func (p *Pipeline) Dispatch(ctx context.Context, ev PacketEvent) Decision {
	result := Forward()
	for _, h := range p.snapshot() {
		if h.OnPacket == nil || !h.matches(ev.Kind) {
			continue
		}
		d, ok := p.call(ctx, h, ev)
		if !ok {
			continue
		}
		switch d.Action {
		case ActionSuppress:
			return d
		case ActionReplace:
			if d.Message == nil {
				continue
			}
			ev.Message = d.Message
			ev.Packet = nil
			if tp, ok := d.Message.(protocol.TypedPacket); ok {
				ev.Packet = tp.Packet
			}
			result = Replace(d.Message)
		}
	}
	return result
}

func (p *Pipeline) call(ctx context.Context, h *Hook, ev PacketEvent) (d Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("hook", h.Name).
				Str("owner", h.Owner).
				Interface("panic", r).
				Msg("packet hook panicked")
			ok = false
		}
	}()
	return h.OnPacket(ctx, ev), true
}

// Sent notifies every matching hook that a packet was written.
func (p *Pipeline) Sent(ctx context.Context, ev PacketEvent) {
	for _, h := range p.snapshot() {
		if h.OnSent == nil || !h.matches(ev.Kind) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Str("hook", h.Name).
						Interface("panic", r).
						Msg("sent hook panicked")
				}
			}()
			h.OnSent(ctx, ev)
		}()
	}
}
