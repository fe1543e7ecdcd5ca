// Package netpath classifies the host's default network path as reachable
// or unreachable and reports changes.
package netpath

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Status classifies whether the host can currently reach the internet.
type Status int

const (
	Undetermined Status = iota
	Reachable
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "undetermined"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "reachable":
		*s = Reachable
	case "unreachable":
		*s = Unreachable
	case "undetermined":
		*s = Undetermined
	default:
		return fmt.Errorf("unknown path status %q", text)
	}
	return nil
}

// Path is a snapshot of the host's network path.
type Path struct {
	Status Status

	// Interfaces lists the usable interfaces the status was derived from.
	Interfaces []string
}

// Equal reports whether two paths have the same status. Interface details
// are informational only.
func (p Path) Equal(o Path) bool {
	return p.Status == o.Status
}

func (p Path) String() string {
	if len(p.Interfaces) == 0 {
		return p.Status.String()
	}
	return fmt.Sprintf("%s via %s", p.Status, strings.Join(p.Interfaces, ","))
}

// Interface is the part of a network interface relevant to reachability.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []netip.Prefix
}

// virtualPrefixes are interface name prefixes for virtual, container and
// tunnel interfaces that cannot carry the tunnel's own traffic.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "lxc", "lxd",
	"cni", "flannel", "calico", "weave",
	"tun", "wg", "tailscale", "utun",
	"podman", "cali", "vxlan",
}

// SystemInterfaces lists the host's interfaces.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		info := Interface{Name: iface.Name, Flags: iface.Flags}
		for _, a := range addrs {
			p, err := netip.ParsePrefix(a.String())
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, p)
		}
		out = append(out, info)
	}
	return out, nil
}

// Evaluate derives a Path from an interface list. The path is reachable if
// any up, physical interface other than exclude has a global unicast
// address.
func Evaluate(ifaces []Interface, exclude string) Path {
	path := Path{Status: Unreachable}
	for _, iface := range ifaces {
		if iface.Name == exclude || shouldSkipInterface(iface) {
			continue
		}
		for _, a := range iface.Addrs {
			if a.Addr().IsGlobalUnicast() {
				path.Status = Reachable
				path.Interfaces = append(path.Interfaces, iface.Name)
				break
			}
		}
	}
	return path
}

// shouldSkipInterface returns true for loopback, down and virtual
// interfaces.
func shouldSkipInterface(iface Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 {
		return true
	}
	if iface.Flags&net.FlagUp == 0 {
		return true
	}

	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
