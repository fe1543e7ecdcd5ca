package actor

import (
	"fmt"
	"time"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/monitor"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
)

// Command is an input to the state machine. It is consumed once.
type Command interface {
	isCommand()
	fmt.Stringer
}

// ReconnectReason is the cause of a reconnect.
type ReconnectReason int

const (
	ReasonUserInitiated ReconnectReason = iota
	ReasonConnectionLoss
)

func (r ReconnectReason) String() string {
	if r == ReasonConnectionLoss {
		return "connection loss"
	}
	return "user initiated"
}

// StartOptions are passed with Start. A nil SelectedRelays lets the relay
// selector pick.
type StartOptions struct {
	SelectedRelays *relay.Selected
}

func (o StartOptions) nextRelay() relay.NextRelay {
	if o.SelectedRelays != nil {
		return relay.PreSelected(*o.SelectedRelays)
	}
	return relay.Random()
}

type (
	// Start starts the tunnel. Only honoured in the initial state.
	Start struct{ Options StartOptions }

	// Stop tears the tunnel down.
	Stop struct{}

	// Reconnect connects again, to NextRelay.
	Reconnect struct {
		NextRelay relay.NextRelay
		Reason    ReconnectReason
	}

	// ErrorCommand blocks the tunnel with Reason.
	ErrorCommand struct{ Reason BlockedStateReason }

	// NotifyKeyRotated reports that the device key was rotated at At.
	NotifyKeyRotated struct{ At time.Time }

	// SwitchKey ends the use of the prior key.
	SwitchKey struct{}

	// MonitorEvent carries an event from the tunnel monitor.
	MonitorEvent struct{ Event monitor.Event }

	// NetworkReachability carries a new default network path.
	NetworkReachability struct{ Path netpath.Path }

	// ReplaceDevicePrivateKey delivers the result of a key negotiation.
	ReplaceDevicePrivateKey struct {
		PresharedKey config.Key
		EphemeralKey config.Key
	}
)

func (Start) isCommand()                   {}
func (Stop) isCommand()                    {}
func (Reconnect) isCommand()               {}
func (ErrorCommand) isCommand()            {}
func (NotifyKeyRotated) isCommand()        {}
func (SwitchKey) isCommand()               {}
func (MonitorEvent) isCommand()            {}
func (NetworkReachability) isCommand()     {}
func (ReplaceDevicePrivateKey) isCommand() {}

func (c Start) String() string {
	return fmt.Sprintf("start(%s)", c.Options.nextRelay())
}

func (Stop) String() string { return "stop" }

func (c Reconnect) String() string {
	return fmt.Sprintf("reconnect(%s, %s)", c.NextRelay, c.Reason)
}

func (c ErrorCommand) String() string {
	return fmt.Sprintf("error(%s)", c.Reason)
}

func (c NotifyKeyRotated) String() string {
	return fmt.Sprintf("notify key rotated(%s)", c.At.Format(time.RFC3339))
}

func (SwitchKey) String() string { return "switch key" }

func (c MonitorEvent) String() string {
	return fmt.Sprintf("monitor event(%s)", c.Event)
}

func (c NetworkReachability) String() string {
	return fmt.Sprintf("network reachability(%s)", c.Path)
}

// String omits key material.
func (ReplaceDevicePrivateKey) String() string { return "replace device private key" }
