package tunnel

import "net/netip"

// PolicyKind selects which traffic the host firewall lets through.
type PolicyKind int

const (
	// PolicyBlocked drops everything except loopback and DHCP.
	PolicyBlocked PolicyKind = iota

	// PolicyConnecting additionally allows the relay endpoints and, inside
	// the tunnel, the relay gateways.
	PolicyConnecting

	// PolicyConnected allows the relay endpoints and all tunnel traffic.
	PolicyConnected
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyBlocked:
		return "blocked"
	case PolicyConnecting:
		return "connecting"
	case PolicyConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// FirewallPolicy describes the traffic allowed while the tunnel is in a
// given state. Everything else is dropped.
type FirewallPolicy struct {
	Kind PolicyKind

	// Endpoints are the relay addresses reachable outside the tunnel.
	Endpoints []netip.AddrPort

	// Gateways are the in-tunnel addresses reachable while connecting.
	Gateways []netip.Addr

	// Interface is the tunnel interface. The Adapter fills it in.
	Interface string
}

// Firewall enforces a FirewallPolicy on the host.
type Firewall interface {
	Apply(p FirewallPolicy) error
	Reset() error
}

// noopFirewall is used where no packet filter is available. The peerless
// tunnel configuration is then the only blocking in place.
type noopFirewall struct{}

func (noopFirewall) Apply(FirewallPolicy) error { return nil }
func (noopFirewall) Reset() error               { return nil }
