// Package actor drives a tunnel through its lifecycle. Commands are reduced
// against the current State by the pure Reduce function, which returns the
// effects an Actor then executes in order.
package actor

import (
	"time"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
)

// Kind is the state variant.
type Kind int

const (
	Initial Kind = iota
	Connecting
	Connected
	Reconnecting
	NegotiatingKeyExchange
	Disconnecting
	Disconnected
	Error
)

func (k Kind) String() string {
	switch k {
	case Initial:
		return "initial"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case NegotiatingKeyExchange:
		return "negotiating key exchange"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// InTunnel reports whether states of this kind carry ConnectionData.
func (k Kind) InTunnel() bool {
	switch k {
	case Connecting, Connected, Reconnecting, NegotiatingKeyExchange, Disconnecting:
		return true
	default:
		return false
	}
}

// KeyPolicyKind selects which device key a connection uses.
type KeyPolicyKind int

const (
	// UseCurrent uses the key from settings.
	UseCurrent KeyPolicyKind = iota
	// UsePrior keeps using the key that was active before a rotation until
	// the new key has propagated to the relays.
	UsePrior
)

func (k KeyPolicyKind) String() string {
	if k == UsePrior {
		return "use prior"
	}
	return "use current"
}

// KeyPolicy is the key rotation policy. PriorKey is set with UsePrior.
type KeyPolicy struct {
	Kind     KeyPolicyKind
	PriorKey config.Key
}

// ConnectionData is attached to every in-tunnel state.
type ConnectionData struct {
	SelectedRelays      relay.Selected
	KeyPolicy           KeyPolicy
	NetworkReachability netpath.Status

	// ConnectionAttemptCount counts consecutive failed attempts. It resets
	// only when a connection is established.
	ConnectionAttemptCount uint

	LastKeyRotation time.Time

	// CurrentKey is the settings key the connection was started with. It is
	// zero once moved into a UsePrior policy.
	CurrentKey config.Key

	IsPostQuantum bool
}

// BlockedState is attached to the error state.
type BlockedState struct {
	Reason              BlockedStateReason
	KeyPolicy           KeyPolicy
	NetworkReachability netpath.Status
	LastKeyRotation     time.Time
	CurrentKey          config.Key

	// PriorState is the state the tunnel was in when it became blocked:
	// Initial, Connecting, Connected or Reconnecting.
	PriorState Kind
}

// State is the tunnel state. Conn is non-nil iff Kind.InTunnel(); Blocked is
// non-nil iff Kind is Error. Progress is only meaningful while negotiating.
type State struct {
	Kind     Kind
	Conn     *ConnectionData
	Progress keyexchange.Progress
	Blocked  *BlockedState
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.Conn != nil {
		c := *s.Conn
		if e := c.SelectedRelays.Entry; e != nil {
			entry := *e
			c.SelectedRelays.Entry = &entry
		}
		out.Conn = &c
	}
	if s.Blocked != nil {
		b := *s.Blocked
		out.Blocked = &b
	}
	return out
}

// keyPolicy returns the key policy held by the state, or nil when the state
// carries none.
func (s *State) keyPolicy() *KeyPolicy {
	switch {
	case s.Conn != nil:
		return &s.Conn.KeyPolicy
	case s.Blocked != nil:
		return &s.Blocked.KeyPolicy
	default:
		return nil
	}
}

// setReachability updates the reachability held by the state.
func (s *State) setReachability(status netpath.Status) {
	switch {
	case s.Conn != nil:
		s.Conn.NetworkReachability = status
	case s.Blocked != nil:
		s.Blocked.NetworkReachability = status
	}
}

// priorState maps an in-tunnel or initial state to the value recorded in
// BlockedState.PriorState.
func priorState(k Kind) Kind {
	switch k {
	case Connected, Reconnecting:
		return k
	case Initial:
		return Initial
	default:
		return Connecting
	}
}

// targetStateForReconnect returns the state a new connection attempt moves
// to, or false when the tunnel is past the point where it may connect.
func targetStateForReconnect(s State) (Kind, bool) {
	switch s.Kind {
	case Initial, Connecting, NegotiatingKeyExchange:
		return Connecting, true
	case Connected, Reconnecting:
		return Reconnecting, true
	case Error:
		switch s.Blocked.PriorState {
		case Connected, Reconnecting:
			return Reconnecting, true
		default:
			return Connecting, true
		}
	default:
		return 0, false
	}
}
