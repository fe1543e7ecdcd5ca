package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// CurrentSchemaVersion is the config schema written by this build. Files
// with a lower version must be migrated before the tunnel can start.
const CurrentSchemaVersion = 2

// Default timings used when the [timings] table leaves a field unset.
const (
	DefaultBlockedRecoveryInterval = 10 * time.Second
	DefaultKeyPropagationDelay     = 120 * time.Second
)

// Config is the top-level configuration for relaygate.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	// SchemaVersion identifies the layout of this file.
	SchemaVersion int `toml:"schema_version"`

	Account AccountConfig `toml:"account"`
	Device  DeviceConfig  `toml:"device"`
	Tunnel  TunnelConfig  `toml:"tunnel"`
	Timings TimingsConfig `toml:"timings"`

	// Relays is the list of relays the static selector picks from.
	Relays []RelayConfig `toml:"relays"`
}

// AccountConfig holds the account this device is registered with.
type AccountConfig struct {
	// Number is the 16-digit account number. Optional; when set it must be
	// well-formed.
	Number string `toml:"number,omitempty"`
}

// DeviceConfig identifies this device and its tunnel interface.
type DeviceConfig struct {
	// Name is a human-readable name for this device.
	Name string `toml:"name"`

	// PrivateKey is the long-term WireGuard Curve25519 private key. A zero
	// key means the device has been logged out.
	PrivateKey Key `toml:"private_key"`

	// Addresses are the tunnel interface addresses in CIDR notation
	// (e.g. "10.64.0.2/32", "fc00:bbbb:bbbb:bb01::2/128").
	Addresses []string `toml:"addresses"`

	// DNS lists resolver addresses reachable through the tunnel.
	DNS []string `toml:"dns,omitempty"`
}

// TunnelConfig controls how the tunnel is established.
type TunnelConfig struct {
	// InterfaceName is the TUN interface name. Empty selects the platform default.
	InterfaceName string `toml:"interface_name,omitempty"`

	// MTU of the TUN interface. Zero selects the WireGuard default.
	MTU int `toml:"mtu,omitempty"`

	// PostQuantum enables the ephemeral post-quantum key exchange.
	PostQuantum bool `toml:"post_quantum"`

	// Multihop routes traffic through an entry relay before the exit relay.
	Multihop bool `toml:"multihop"`

	// Location restricts exit relays to a location prefix (e.g. "se", "se-got").
	Location string `toml:"location,omitempty"`

	// EntryLocation restricts entry relays when Multihop is enabled.
	EntryLocation string `toml:"entry_location,omitempty"`

	// Port restricts relays to a WireGuard port. Zero means any.
	Port uint16 `toml:"port,omitempty"`

	// Daita restricts relays to those supporting DAITA.
	Daita bool `toml:"daita,omitempty"`
}

// TimingsConfig tunes the lifecycle controller.
type TimingsConfig struct {
	// BlockedRecoveryInterval is how often a blocked tunnel retries.
	BlockedRecoveryInterval Duration `toml:"blocked_recovery_interval,omitempty"`

	// KeyPropagationDelay is how long a rotated key is withheld while the
	// relays learn about it.
	KeyPropagationDelay Duration `toml:"key_propagation_delay,omitempty"`
}

// RelayConfig describes one relay in the [[relays]] list.
type RelayConfig struct {
	Hostname  string `toml:"hostname"`
	Location  string `toml:"location"`
	PublicKey Key    `toml:"public_key"`

	// Endpoint is the relay's WireGuard address as "ip:port".
	Endpoint string `toml:"endpoint"`

	// Gateway is the in-tunnel gateway address, used for connectivity checks and for
	// the ephemeral peer negotiation.
	Gateway string `toml:"gateway"`

	Daita bool `toml:"daita,omitempty"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// Device and relay fields are left empty and must be filled in by the
// user or by `relaygate init`.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Timings: TimingsConfig{
			BlockedRecoveryInterval: Duration(DefaultBlockedRecoveryInterval),
			KeyPropagationDelay:     Duration(DefaultKeyPropagationDelay),
		},
	}
}

// DefaultConfigPath returns the default path for the relaygate config file.
// It respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "relaygate", "config.toml"), nil
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// A file without schema_version is treated as version 1.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.SchemaVersion = 0
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if !md.IsDefined("schema_version") {
		cfg.SchemaVersion = 1
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist. The file is written
// with mode 0600 since it contains the device private key.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// PublicKey derives the WireGuard public key from the device's private key.
func (c *Config) PublicKey() (Key, error) {
	if c.Device.PrivateKey.IsZero() {
		return Key{}, ErrDeviceLoggedOut
	}
	return PublicKey(c.Device.PrivateKey), nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Timings.BlockedRecoveryInterval <= 0 {
		cfg.Timings.BlockedRecoveryInterval = Duration(DefaultBlockedRecoveryInterval)
	}
	if cfg.Timings.KeyPropagationDelay <= 0 {
		cfg.Timings.KeyPropagationDelay = Duration(DefaultKeyPropagationDelay)
	}
}

// Duration is a time.Duration that encodes as a Go duration string ("10s")
// in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
