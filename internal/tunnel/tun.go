package tunnel

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// DefaultMTU leaves room for WireGuard encapsulation on a 1500-byte path.
const DefaultMTU = 1420

// CreateTUN creates a kernel TUN device. Empty name and non-positive mtu
// select the platform defaults.
func CreateTUN(name string, mtu int) (tun.Device, error) {
	if name == "" {
		name = DefaultTUNName
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("creating TUN device %q: %w", name, err)
	}
	return dev, nil
}
