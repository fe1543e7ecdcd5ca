package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/tun"
)

// ErrMultihopUnsupported is returned for configs with an entry hop. A
// single wireguard-go device has one interface key and cannot nest a
// second tunnel inside the first.
var ErrMultihopUnsupported = errors.New("multihop tunnels are not supported by this adapter")

// Policy routing defaults. Default routes go into RouteTable, which only
// packets without FirewallMark consult, so the device's own traffic to the
// relay keeps using the host routes.
const (
	DefaultFirewallMark = 51820
	DefaultRouteTable   = 51820
)

// LinkConfig is the OS-level configuration of the tunnel interface.
type LinkConfig struct {
	Addresses []netip.Prefix
	Routes    []netip.Prefix
	DNS       []netip.Addr

	// DefaultRoutes are installed in RouteTable together with the rules
	// selecting it for packets not carrying FirewallMark.
	DefaultRoutes []netip.Prefix
	FirewallMark  uint32
	RouteTable    uint32
}

// AdapterConfig holds configuration for an Adapter.
type AdapterConfig struct {
	// InterfaceName is the TUN name. Empty selects DefaultTUNName.
	InterfaceName string

	// MTU of the TUN interface. Zero selects DefaultMTU.
	MTU int

	// CreateTUN creates the TUN device. Nil uses CreateTUN.
	CreateTUN func(name string, mtu int) (tun.Device, error)

	// NewBind returns the transport for WireGuard packets. Nil uses
	// conn.NewDefaultBind (plain UDP).
	NewBind func() conn.Bind

	// ConfigureLink applies addresses, routes and DNS to the interface.
	// Nil uses the platform implementation.
	ConfigureLink func(ifName string, prev, next LinkConfig) error

	// Firewall enforces the policies given to ApplyPolicy. Nil uses the
	// platform firewall: nftables on Linux, none elsewhere.
	Firewall Firewall

	// FirewallMark and RouteTable configure policy routing. Zero selects
	// DefaultFirewallMark and DefaultRouteTable.
	FirewallMark uint32
	RouteTable   uint32

	Logger *slog.Logger
}

// Adapter owns the tunnel device for the lifetime of a connection. The TUN
// interface and WireGuard device are created on the first Start and
// reconfigured in place by later calls until Stop.
type Adapter struct {
	cfg AdapterConfig
	log *slog.Logger

	mu     sync.Mutex
	dev    *Device
	ifName string
	link   LinkConfig
}

// NewAdapter creates an Adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CreateTUN == nil {
		cfg.CreateTUN = CreateTUN
	}
	if cfg.NewBind == nil {
		cfg.NewBind = conn.NewDefaultBind
	}
	if cfg.ConfigureLink == nil {
		cfg.ConfigureLink = configureLink
	}
	if cfg.Firewall == nil {
		cfg.Firewall = newPlatformFirewall(logger)
	}
	if cfg.FirewallMark == 0 {
		cfg.FirewallMark = DefaultFirewallMark
	}
	if cfg.RouteTable == 0 {
		cfg.RouteTable = DefaultRouteTable
	}
	return &Adapter{
		cfg: cfg,
		log: logger.With("component", "tunnel"),
	}
}

// Start applies cfg to the tunnel, creating the device if needed.
func (a *Adapter) Start(ctx context.Context, cfg Config) error {
	if cfg.Entry != nil {
		return ErrMultihopUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil {
		if err := a.createDevice(); err != nil {
			return err
		}
	}

	cfg.FirewallMark = a.cfg.FirewallMark
	if err := a.dev.Apply(cfg); err != nil {
		return err
	}

	next := a.linkConfig(cfg)
	if !linkEqual(a.link, next) {
		if err := a.cfg.ConfigureLink(a.ifName, a.link, next); err != nil {
			return fmt.Errorf("configuring interface %s: %w", a.ifName, err)
		}
		a.link = next
	}

	a.log.Info("tunnel configured", "interface", a.ifName, "blocking", cfg.Blocking())
	return nil
}

func (a *Adapter) linkConfig(cfg Config) LinkConfig {
	routes, defaults := splitRoutes(cfg)
	return LinkConfig{
		Addresses:     cfg.Addresses,
		Routes:        routes,
		DNS:           cfg.DNS,
		DefaultRoutes: defaults,
		FirewallMark:  a.cfg.FirewallMark,
		RouteTable:    a.cfg.RouteTable,
	}
}

// ApplyPolicy enforces p on the host firewall. The tunnel interface is
// filled in once the device exists.
func (a *Adapter) ApplyPolicy(p FirewallPolicy) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p.Interface = a.ifName
	if err := a.cfg.Firewall.Apply(p); err != nil {
		return fmt.Errorf("applying %s firewall policy: %w", p.Kind, err)
	}
	return nil
}

func (a *Adapter) createDevice() error {
	name := a.cfg.InterfaceName
	if name == "" {
		name = DefaultTUNName
	}
	tunDev, err := a.cfg.CreateTUN(name, a.cfg.MTU)
	if err != nil {
		return err
	}
	realName, err := tunDev.Name()
	if err != nil {
		tunDev.Close()
		return fmt.Errorf("reading TUN device name: %w", err)
	}

	dev := NewDevice(tunDev, a.cfg.NewBind(), a.log)
	if err := dev.Up(); err != nil {
		dev.Close()
		return err
	}

	a.dev = dev
	a.ifName = realName
	a.link = LinkConfig{}
	a.log.Info("tunnel device created", "interface", realName)
	return nil
}

// Stop tears down the device and interface and removes the firewall
// policy. Stopping a stopped adapter only resets the firewall.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.dev != nil {
		// Policy rules and DNS outlive the interface and are removed
		// explicitly.
		if len(a.link.DNS) > 0 || len(a.link.DefaultRoutes) > 0 {
			next := a.link
			next.DNS, next.DefaultRoutes = nil, nil
			if err := a.cfg.ConfigureLink(a.ifName, a.link, next); err != nil {
				errs = append(errs, err)
			}
		}
		a.dev.Close()
		a.dev = nil
		a.link = LinkConfig{}
	}
	if err := a.cfg.Firewall.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("resetting firewall: %w", err))
	}
	return errors.Join(errs...)
}

// LastHandshake returns the time of the latest WireGuard handshake, or the
// zero time if the tunnel is down or has not completed one.
func (a *Adapter) LastHandshake() (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil {
		return time.Time{}, nil
	}
	return a.dev.LastHandshake()
}

// InterfaceName returns the name of the TUN interface, or "" before the
// first Start.
func (a *Adapter) InterfaceName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ifName
}

func linkEqual(a, b LinkConfig) bool {
	return slices.Equal(a.Addresses, b.Addresses) &&
		slices.Equal(a.Routes, b.Routes) &&
		slices.Equal(a.DNS, b.DNS) &&
		slices.Equal(a.DefaultRoutes, b.DefaultRoutes) &&
		a.FirewallMark == b.FirewallMark &&
		a.RouteTable == b.RouteTable
}

// added returns the entries of next missing from prev.
func added[T comparable](prev, next []T) []T {
	var out []T
	for _, v := range next {
		if !slices.Contains(prev, v) {
			out = append(out, v)
		}
	}
	return out
}
