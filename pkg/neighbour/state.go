package neighbour

import "fmt"

// State is the reachability state of a neighbour cache Entry, following the
// Neighbour Unreachability Detection state machine.
type State int

const (
	// StateNone is the state of a freshly-allocated entry before any
	// resolution attempt has been made.
	StateNone State = iota

	// StateIncomplete means a solicitation is in flight and no link-layer
	// address is known yet. No frame may be transmitted referencing an
	// entry in this state.
	StateIncomplete

	// StateReachable means the link-layer address is known and was
	// recently confirmed.
	StateReachable

	// StateStale means the link-layer address is known but its
	// reachability has not been confirmed recently; it may still be used
	// but will be re-probed on next use.
	StateStale

	// StateDelay is a grace period after a STALE entry is used, waiting
	// to see if passive confirmation (e.g. a TCP ACK) arrives before
	// actively probing.
	StateDelay

	// StateProbe means unicast solicitations are being sent directly to
	// the previously-known link-layer address to reconfirm it.
	StateProbe

	// StateFailed means probing was exhausted without a reply; queued
	// frames have been (or are being) reported unreachable.
	StateFailed

	// StatePermanent is an administratively pinned entry that GC and NUD
	// timers never touch.
	StatePermanent

	// StateNoARP is pinned for destinations that never resolve by
	// address-resolution protocol (broadcast, multicast, loopback,
	// point-to-point, or an interface that can't do resolution at all).
	StateNoARP
)

// String renders the state the way /proc/net/arp and ip-neigh do, which is
// also how the teacher's other state machine (pkg/tcp) names its states.
func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateReachable:
		return "REACHABLE"
	case StateStale:
		return "STALE"
	case StateDelay:
		return "DELAY"
	case StateProbe:
		return "PROBE"
	case StateFailed:
		return "FAILED"
	case StatePermanent:
		return "PERMANENT"
	case StateNoARP:
		return "NOARP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// InTimer reports whether an entry in this state has exactly one scheduled
// NUD timer.
func (s State) InTimer() bool {
	switch s {
	case StateIncomplete, StateReachable, StateDelay, StateProbe:
		return true
	default:
		return false
	}
}

// Valid reports whether an entry in this state carries a usable (if perhaps
// stale) link-layer binding.
func (s State) Valid() bool {
	switch s {
	case StatePermanent, StateNoARP, StateReachable, StateStale, StateDelay, StateProbe:
		return true
	default:
		return false
	}
}

// Connected reports whether an entry in this state may be used by the fast
// transmit path without a resolution check.
func (s State) Connected() bool {
	switch s {
	case StatePermanent, StateNoARP, StateReachable:
		return true
	default:
		return false
	}
}

// Event is an input to the NUD state machine.
type Event int

const (
	// EventUse fires when a frame is being sent through an entry.
	EventUse Event = iota

	// EventConfirm fires on higher-layer evidence the peer received our
	// traffic (e.g. an accepted TCP ACK).
	EventConfirm

	// EventSolicitReply fires when a protocol-level reply arrives.
	EventSolicitReply

	// EventTimer fires when the entry's scheduled timer expires.
	EventTimer

	// EventAdmin fires on a management-surface update.
	EventAdmin

	// EventTableEvent fires on interface-down or address-change
	// notifications from the table.
	EventTableEvent
)

func (e Event) String() string {
	switch e {
	case EventUse:
		return "USE"
	case EventConfirm:
		return "CONFIRM"
	case EventSolicitReply:
		return "SOLICIT_REPLY"
	case EventTimer:
		return "TIMER"
	case EventAdmin:
		return "ADMIN"
	case EventTableEvent:
		return "TABLE_EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(e))
	}
}
