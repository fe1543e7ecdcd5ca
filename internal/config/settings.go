package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Errors returned while turning a Config into tunnel Settings. The
// lifecycle controller classifies them into blocked-state reasons.
var (
	ErrOutdatedSchema  = errors.New("config schema is outdated")
	ErrDeviceLoggedOut = errors.New("device is logged out")
	ErrInvalidAccount  = errors.New("invalid account number")
)

// Settings is the validated view of a Config consumed on every connection
// attempt.
type Settings struct {
	PrivateKey Key
	Addresses  []netip.Prefix
	DNS        []netip.Addr

	PostQuantum bool
	Multihop    bool

	Location      string
	EntryLocation string
	Port          uint16
	Daita         bool

	BlockedRecoveryInterval time.Duration
	KeyPropagationDelay     time.Duration
}

// Settings validates the config and returns the tunnel settings.
func (c *Config) Settings() (Settings, error) {
	if c.SchemaVersion < CurrentSchemaVersion {
		return Settings{}, fmt.Errorf("%w: version %d, want %d", ErrOutdatedSchema, c.SchemaVersion, CurrentSchemaVersion)
	}
	if c.Device.PrivateKey.IsZero() {
		return Settings{}, ErrDeviceLoggedOut
	}
	if c.Account.Number != "" && !validAccountNumber(c.Account.Number) {
		return Settings{}, ErrInvalidAccount
	}

	s := Settings{
		PrivateKey:              c.Device.PrivateKey,
		PostQuantum:             c.Tunnel.PostQuantum,
		Multihop:                c.Tunnel.Multihop,
		Location:                c.Tunnel.Location,
		EntryLocation:           c.Tunnel.EntryLocation,
		Port:                    c.Tunnel.Port,
		Daita:                   c.Tunnel.Daita,
		BlockedRecoveryInterval: time.Duration(c.Timings.BlockedRecoveryInterval),
		KeyPropagationDelay:     time.Duration(c.Timings.KeyPropagationDelay),
	}

	for _, a := range c.Device.Addresses {
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return Settings{}, fmt.Errorf("parsing device address %q: %w", a, err)
		}
		s.Addresses = append(s.Addresses, p)
	}
	for _, d := range c.Device.DNS {
		addr, err := netip.ParseAddr(d)
		if err != nil {
			return Settings{}, fmt.Errorf("parsing DNS server %q: %w", d, err)
		}
		s.DNS = append(s.DNS, addr)
	}

	return s, nil
}

// validAccountNumber reports whether n is exactly 16 decimal digits.
func validAccountNumber(n string) bool {
	if len(n) != 16 {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FileSettingsReader loads Settings from a TOML file on every Read, so
// edits to the file apply on the next connection attempt.
type FileSettingsReader struct {
	Path string
}

// Read loads the config file and validates it.
func (r FileSettingsReader) Read() (Settings, error) {
	cfg, err := LoadConfig(r.Path)
	if err != nil {
		return Settings{}, err
	}
	return cfg.Settings()
}
