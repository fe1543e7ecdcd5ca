//go:build linux

package tunnel

// DefaultTUNName is the default TUN interface name.
const DefaultTUNName = "relaygate0"
