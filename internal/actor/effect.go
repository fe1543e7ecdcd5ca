package actor

import (
	"time"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
)

// Effect is an instruction produced by Reduce for the Actor to execute.
// Effects are plain values; paths compare by status only.
type Effect interface {
	isEffect()
}

type (
	StartDefaultPathObserver struct{}
	StopDefaultPathObserver  struct{}

	// StartTunnelMonitor routes monitor events to the actor. The monitor
	// itself starts once a tunnel configuration is in place.
	StartTunnelMonitor struct{}
	StopTunnelMonitor  struct{}

	UpdateTunnelMonitorPath struct{ Path netpath.Path }

	StartConnection struct{ NextRelay relay.NextRelay }

	RestartConnection struct {
		NextRelay relay.NextRelay
		Reason    ReconnectReason
	}

	// ReconnectEffect submits a user initiated Reconnect.
	ReconnectEffect struct{ NextRelay relay.NextRelay }

	StopTunnelAdapter struct{}

	ConfigureForErrorState struct{ Reason BlockedStateReason }

	// CacheActiveKey moves the current key into a UsePrior policy. A zero
	// LastKeyRotation keeps the recorded rotation time.
	CacheActiveKey struct{ LastKeyRotation time.Time }

	PostQuantumConnect struct {
		PresharedKey config.Key
		PrivateKey   config.Key
	}
)

func (StartDefaultPathObserver) isEffect() {}
func (StopDefaultPathObserver) isEffect()  {}
func (StartTunnelMonitor) isEffect()       {}
func (StopTunnelMonitor) isEffect()        {}
func (UpdateTunnelMonitorPath) isEffect()  {}
func (StartConnection) isEffect()          {}
func (RestartConnection) isEffect()        {}
func (ReconnectEffect) isEffect()          {}
func (StopTunnelAdapter) isEffect()        {}
func (ConfigureForErrorState) isEffect()   {}
func (CacheActiveKey) isEffect()           {}
func (PostQuantumConnect) isEffect()       {}

// Equal compares paths by status.
func (e UpdateTunnelMonitorPath) Equal(o UpdateTunnelMonitorPath) bool {
	return e.Path.Equal(o.Path)
}
