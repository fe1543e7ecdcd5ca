// Package relay models the relays a tunnel connects through and selects
// them from a static list according to user constraints.
package relay

import (
	"fmt"
	"net/netip"

	"github.com/kuuji/relaygate/internal/config"
)

// Relay is a WireGuard server that can serve as an entry or exit hop.
type Relay struct {
	Hostname  string
	Location  string
	PublicKey config.Key

	// Endpoint is the relay's public WireGuard address.
	Endpoint netip.AddrPort

	// Gateway is the relay's in-tunnel address. The ephemeral peer
	// negotiation and connectivity checks target it.
	Gateway netip.Addr

	Daita bool
}

func (r Relay) String() string {
	return r.Hostname
}

// Selected is the set of relays chosen for one connection attempt. Entry is
// nil for single-hop connections.
type Selected struct {
	Entry *Relay
	Exit  Relay
}

// Hops returns the number of relays traffic passes through.
func (s Selected) Hops() int {
	if s.Entry != nil {
		return 2
	}
	return 1
}

// Ingress returns the relay the device connects to directly.
func (s Selected) Ingress() Relay {
	if s.Entry != nil {
		return *s.Entry
	}
	return s.Exit
}

func (s Selected) String() string {
	if s.Entry != nil {
		return fmt.Sprintf("%s via %s", s.Exit.Hostname, s.Entry.Hostname)
	}
	return s.Exit.Hostname
}

// NextRelay tells a connection attempt which relays to use. The zero value
// is Random.
type NextRelay struct {
	selected *Selected
}

// Random leaves the choice of relays to the relay selector.
func Random() NextRelay {
	return NextRelay{}
}

// PreSelected uses the given relays as is.
func PreSelected(s Selected) NextRelay {
	return NextRelay{selected: &s}
}

// Selected returns the preselected relays, if any.
func (n NextRelay) Selected() (Selected, bool) {
	if n.selected == nil {
		return Selected{}, false
	}
	return *n.selected, true
}

// Equal reports whether two NextRelay values request the same relays.
func (n NextRelay) Equal(o NextRelay) bool {
	a, aok := n.Selected()
	b, bok := o.Selected()
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	if (a.Entry == nil) != (b.Entry == nil) {
		return false
	}
	if a.Entry != nil && *a.Entry != *b.Entry {
		return false
	}
	return a.Exit == b.Exit
}

func (n NextRelay) String() string {
	if s, ok := n.Selected(); ok {
		return "preselected(" + s.String() + ")"
	}
	return "random"
}

// FromConfig converts the [[relays]] list of a config file.
func FromConfig(relays []config.RelayConfig) ([]Relay, error) {
	out := make([]Relay, 0, len(relays))
	for _, rc := range relays {
		endpoint, err := netip.ParseAddrPort(rc.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("relay %s: parsing endpoint %q: %w", rc.Hostname, rc.Endpoint, err)
		}
		gateway, err := netip.ParseAddr(rc.Gateway)
		if err != nil {
			return nil, fmt.Errorf("relay %s: parsing gateway %q: %w", rc.Hostname, rc.Gateway, err)
		}
		if rc.PublicKey.IsZero() {
			return nil, fmt.Errorf("relay %s: missing public key", rc.Hostname)
		}
		out = append(out, Relay{
			Hostname:  rc.Hostname,
			Location:  rc.Location,
			PublicKey: rc.PublicKey,
			Endpoint:  endpoint,
			Gateway:   gateway,
			Daita:     rc.Daita,
		})
	}
	return out, nil
}
