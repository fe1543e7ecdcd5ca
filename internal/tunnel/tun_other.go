//go:build !linux && !darwin

package tunnel

const DefaultTUNName = "relaygate"
