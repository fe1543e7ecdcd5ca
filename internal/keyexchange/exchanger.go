// Package keyexchange negotiates ephemeral, post-quantum secured WireGuard
// keys with one or two relays before the tunnel carries traffic.
//
// An Exchanger reports every intermediate peer configuration through
// Callbacks.OnUpdateConfiguration so the caller can reprogram the tunnel
// between phases. Keys arrive through ReceiveKey, typically after a
// Negotiator has talked to the relay's ephemeral peer service.
package keyexchange

import (
	"net/netip"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/relay"
)

// Progress is the phase of a multihop key exchange.
type Progress int

const (
	NegotiatingWithEntry Progress = iota
	NegotiatingBetweenEntryAndExit
	MakingConnection
	Connected
)

func (p Progress) String() string {
	switch p {
	case NegotiatingWithEntry:
		return "negotiating with entry"
	case NegotiatingBetweenEntryAndExit:
		return "negotiating between entry and exit"
	case MakingConnection:
		return "making connection"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// PeerConfiguration is the tunnel configuration for one relay.
type PeerConfiguration struct {
	Relay        relay.Relay
	PrivateKey   config.Key
	PresharedKey *config.Key
	AllowedIPs   []netip.Prefix
}

// NegotiationState is the configuration to apply to the tunnel. Entry is
// nil when the device talks to a single peer; Exit is then that peer, which
// during the first multihop phase is the entry relay.
type NegotiationState struct {
	Entry *PeerConfiguration
	Exit  PeerConfiguration
}

// Negotiator starts an asynchronous negotiation with a relay. The result is
// delivered to the Exchanger's ReceiveKey by the caller.
type Negotiator interface {
	StartNegotiation(r relay.Relay, devicePrivateKey config.Key)
}

// Callbacks are invoked synchronously from Start and ReceiveKey.
type Callbacks struct {
	OnUpdateConfiguration func(NegotiationState)
	OnFinish              func()
}

// Exchanger drives a key exchange. Implementations are not safe for
// concurrent use; callers serialize Start and ReceiveKey.
type Exchanger interface {
	Start()
	ReceiveKey(presharedKey, ephemeralKey config.Key)
}

// New returns a multihop exchanger when relays has an entry relay and a
// single-hop exchanger otherwise.
func New(relays relay.Selected, devicePrivateKey config.Key, n Negotiator, cb Callbacks) Exchanger {
	if relays.Entry != nil {
		return &MultiHop{
			entry:            *relays.Entry,
			exit:             relays.Exit,
			devicePrivateKey: devicePrivateKey,
			negotiator:       n,
			cb:               cb,
		}
	}
	return &SingleHop{
		exit:             relays.Exit,
		devicePrivateKey: devicePrivateKey,
		negotiator:       n,
		cb:               cb,
	}
}

// DefaultRoutes are the allowed IPs of a fully negotiated exit peer.
func DefaultRoutes() []netip.Prefix {
	return []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/0"),
		netip.MustParsePrefix("::/0"),
	}
}

// hostPrefix returns addr as a single-address prefix.
func hostPrefix(addr netip.Addr) []netip.Prefix {
	return []netip.Prefix{netip.PrefixFrom(addr, addr.BitLen())}
}

func (cb Callbacks) update(s NegotiationState) {
	if cb.OnUpdateConfiguration != nil {
		cb.OnUpdateConfiguration(s)
	}
}

func (cb Callbacks) finish() {
	if cb.OnFinish != nil {
		cb.OnFinish()
	}
}
