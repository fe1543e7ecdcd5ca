package actor

import (
	"context"
	"net/netip"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/internal/monitor"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/tunnel"
)

// RelaySelector picks relays for a connection attempt.
type RelaySelector interface {
	SelectRelays(c relay.Constraints, attempt uint) (relay.Selected, error)
}

// PathObserver reports the default network path.
type PathObserver interface {
	Start(handler func(netpath.Path))
	Stop()
	CurrentPath() netpath.Path
}

// TunnelMonitor watches the configured tunnel for a working connection.
type TunnelMonitor interface {
	SetEventHandler(func(monitor.Event))
	Start(target netip.Addr)
	Stop()
	HandleNetworkPathUpdate(netpath.Path)
}

// TunnelAdapter applies tunnel configurations and the host firewall
// policy that goes with them.
type TunnelAdapter interface {
	Start(ctx context.Context, cfg tunnel.Config) error
	ApplyPolicy(p tunnel.FirewallPolicy) error
	Stop() error
}

// SettingsReader returns the settings for a connection attempt.
type SettingsReader interface {
	Read() (config.Settings, error)
}

// KeyNegotiator performs one ephemeral peer negotiation with a relay.
type KeyNegotiator interface {
	Negotiate(ctx context.Context, r relay.Relay, devicePrivateKey config.Key, opts keyexchange.Options) (psk, ephemeral config.Key, err error)
}

// Deps holds the collaborators of an Actor. Production code wires
// relay.FileSelector, netpath.Observer, monitor.Monitor, tunnel.Adapter,
// config.FileSettingsReader and keyexchange.Client; tests inject fakes.
type Deps struct {
	Selector     RelaySelector
	PathObserver PathObserver
	Monitor      TunnelMonitor
	Adapter      TunnelAdapter
	Settings     SettingsReader

	// Negotiator is required when settings enable post-quantum keys.
	Negotiator KeyNegotiator
}
