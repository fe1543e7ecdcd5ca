package tunnel

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/kuuji/relaygate/internal/config"
)

// DefaultPersistentKeepalive is the keepalive interval in seconds for relay
// peers. A keepalive also triggers the first handshake as soon as the peer
// is configured.
const DefaultPersistentKeepalive = 25

// Config is the complete configuration applied to the tunnel.
type Config struct {
	// PrivateKey is the interface key: the device key, or the ephemeral key
	// after a key exchange.
	PrivateKey config.Key

	// Addresses are assigned to the tunnel interface.
	Addresses []netip.Prefix

	// DNS servers reachable through the tunnel.
	DNS []netip.Addr

	// Peer is the relay the interface talks to. Nil configures a tunnel
	// without peers, which drops all traffic.
	Peer *PeerConfig

	// Entry is the first hop of a multihop tunnel, with its own key.
	Entry *HopConfig

	// FirewallMark marks the device's own UDP packets so policy routing
	// keeps them off the tunnel. Zero leaves the socket unmarked.
	FirewallMark uint32
}

// HopConfig is one hop of a multihop tunnel.
type HopConfig struct {
	PrivateKey config.Key
	Peer       PeerConfig
}

// Blocking reports whether the config drops all traffic.
func (c Config) Blocking() bool {
	return c.Peer == nil
}

// PeerConfig holds the WireGuard configuration for a single peer.
type PeerConfig struct {
	PublicKey    config.Key
	PresharedKey *config.Key

	// Endpoint is the relay's public WireGuard address.
	Endpoint netip.AddrPort

	// AllowedIPs is the list of prefixes routed through this peer.
	AllowedIPs []netip.Prefix

	// PersistentKeepalive is the keepalive interval in seconds. Zero disables it.
	PersistentKeepalive int
}

// hexKey returns the hex-encoded string of a WireGuard key.
// The UAPI/IPC format requires hex encoding (not base64).
func hexKey(k config.Key) string {
	return hex.EncodeToString(k[:])
}

// BuildUAPIConfig generates the UAPI/IPC configuration string for
// wireguard-go's Device.IpcSet. It replaces all existing peers, so applying
// a config without a peer removes every peer.
func BuildUAPIConfig(cfg Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "private_key=%s\n", hexKey(cfg.PrivateKey))
	if cfg.FirewallMark != 0 {
		fmt.Fprintf(&b, "fwmark=%d\n", cfg.FirewallMark)
	}
	b.WriteString("replace_peers=true\n")

	if p := cfg.Peer; p != nil {
		fmt.Fprintf(&b, "public_key=%s\n", hexKey(p.PublicKey))
		if p.PresharedKey != nil {
			fmt.Fprintf(&b, "preshared_key=%s\n", hexKey(*p.PresharedKey))
		}
		if p.Endpoint.IsValid() {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepalive)
		}
		b.WriteString("replace_allowed_ips=true\n")
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", ip.Masked())
		}
	}

	return b.String()
}

// splitRoutes returns the prefixes to route through the interface. Default
// routes are returned separately because they go into a policy routing
// table instead of the main one.
func splitRoutes(cfg Config) (routes, defaults []netip.Prefix) {
	if cfg.Peer == nil {
		return nil, nil
	}
	for _, p := range cfg.Peer.AllowedIPs {
		if p.Bits() == 0 {
			defaults = append(defaults, p.Masked())
			continue
		}
		routes = append(routes, p.Masked())
	}
	return routes, defaults
}
