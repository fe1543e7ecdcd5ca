//go:build darwin

package tunnel

// DefaultTUNName asks the kernel for the next free utun interface.
const DefaultTUNName = "utun"
