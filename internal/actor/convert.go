package actor

import (
	"net/netip"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/tunnel"
)

func constraintsFrom(s config.Settings) relay.Constraints {
	return relay.Constraints{
		Location:      s.Location,
		Multihop:      s.Multihop,
		EntryLocation: s.EntryLocation,
		Port:          s.Port,
		Daita:         s.Daita,
	}
}

func activeKey(conn *ConnectionData, s config.Settings) config.Key {
	if conn.KeyPolicy.Kind == UsePrior {
		return conn.KeyPolicy.PriorKey
	}
	return s.PrivateKey
}

func peerConfig(r relay.Relay, psk *config.Key, allowed []netip.Prefix) tunnel.PeerConfig {
	return tunnel.PeerConfig{
		PublicKey:           r.PublicKey,
		PresharedKey:        psk,
		Endpoint:            r.Endpoint,
		AllowedIPs:          allowed,
		PersistentKeepalive: tunnel.DefaultPersistentKeepalive,
	}
}

// connectionConfig is the configuration of a tunnel connected without a
// key exchange. A multihop entry only routes to the exit relay.
func connectionConfig(s config.Settings, key config.Key, sel relay.Selected) tunnel.Config {
	exit := peerConfig(sel.Exit, nil, keyexchange.DefaultRoutes())
	cfg := tunnel.Config{
		PrivateKey: key,
		Addresses:  s.Addresses,
		DNS:        s.DNS,
		Peer:       &exit,
	}
	if sel.Entry != nil {
		exitAddr := sel.Exit.Endpoint.Addr()
		cfg.Entry = &tunnel.HopConfig{
			PrivateKey: key,
			Peer:       peerConfig(*sel.Entry, nil, []netip.Prefix{netip.PrefixFrom(exitAddr, exitAddr.BitLen())}),
		}
	}
	return cfg
}

// negotiationConfig renders a key exchange step. DNS is only configured
// once traffic may leave through the default routes.
func negotiationConfig(s config.Settings, ns keyexchange.NegotiationState) tunnel.Config {
	exit := peerConfig(ns.Exit.Relay, ns.Exit.PresharedKey, ns.Exit.AllowedIPs)
	cfg := tunnel.Config{
		PrivateKey: ns.Exit.PrivateKey,
		Addresses:  s.Addresses,
		Peer:       &exit,
	}
	if ns.Exit.PresharedKey != nil {
		cfg.DNS = s.DNS
	}
	if e := ns.Entry; e != nil {
		cfg.Entry = &tunnel.HopConfig{
			PrivateKey: e.PrivateKey,
			Peer:       peerConfig(e.Relay, e.PresharedKey, e.AllowedIPs),
		}
	}
	return cfg
}

// blockingConfig drops all traffic while keeping the interface addressed.
func blockingConfig(s config.Settings, key config.Key) tunnel.Config {
	return tunnel.Config{PrivateKey: key, Addresses: s.Addresses}
}

// connectingPolicy allows the relay endpoints and the in-tunnel gateways the
// monitor and key exchange talk to.
func connectingPolicy(sel relay.Selected) tunnel.FirewallPolicy {
	gateways := []netip.Addr{sel.Exit.Gateway}
	if sel.Entry != nil {
		gateways = append(gateways, sel.Entry.Gateway)
	}
	return tunnel.FirewallPolicy{
		Kind:      tunnel.PolicyConnecting,
		Endpoints: relayEndpoints(sel),
		Gateways:  gateways,
	}
}

func connectedPolicy(sel relay.Selected) tunnel.FirewallPolicy {
	return tunnel.FirewallPolicy{Kind: tunnel.PolicyConnected, Endpoints: relayEndpoints(sel)}
}

// relayEndpoints returns the endpoint reached outside the tunnel: the entry
// of a multihop tunnel, otherwise the exit.
func relayEndpoints(sel relay.Selected) []netip.AddrPort {
	if sel.Entry != nil {
		return []netip.AddrPort{sel.Entry.Endpoint}
	}
	return []netip.AddrPort{sel.Exit.Endpoint}
}
