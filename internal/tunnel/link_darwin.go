//go:build darwin

package tunnel

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
)

// configureLink moves the interface from prev to next with ifconfig and
// route. Requires root privileges. DNS and default routes are not
// configured on macOS, where there is no fwmark to keep the relay endpoint
// off the tunnel.
func configureLink(ifName string, prev, next LinkConfig) error {
	for _, p := range added(prev.Addresses, next.Addresses) {
		if err := addAddress(ifName, p); err != nil {
			return err
		}
	}
	if len(prev.Addresses) == 0 {
		if err := run("ifconfig", ifName, "up"); err != nil {
			return err
		}
	}

	for _, p := range added(next.Routes, prev.Routes) {
		if err := run("route", "-n", "delete", "-net", p.Masked().String(), "-interface", ifName); err != nil {
			return err
		}
	}
	for _, p := range added(prev.Routes, next.Routes) {
		if err := run("route", "-n", "add", "-net", p.Masked().String(), "-interface", ifName); err != nil {
			return err
		}
	}
	return nil
}

// addAddress assigns a point-to-point address. The local address doubles
// as the destination.
func addAddress(ifName string, p netip.Prefix) error {
	addr := p.Addr().String()
	if p.Addr().Is4() {
		return run("ifconfig", ifName, "inet", addr, addr, "netmask", maskString(p.Bits()))
	}
	return run("ifconfig", ifName, "inet6", addr, "prefixlen", strconv.Itoa(p.Bits()))
}

func maskString(bits int) string {
	var mask [4]byte
	for i := range bits {
		mask[i/8] |= 0x80 >> (i % 8)
	}
	return netip.AddrFrom4(mask).String()
}

func run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
