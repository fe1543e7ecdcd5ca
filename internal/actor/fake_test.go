package actor

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/internal/monitor"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/tunnel"
)

// --- Fake relay selector ---

type fakeSelector struct {
	mu       sync.Mutex
	selected relay.Selected
	err      error
	attempts []uint
}

func (f *fakeSelector) SelectRelays(_ relay.Constraints, attempt uint) (relay.Selected, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return f.selected, f.err
}

func (f *fakeSelector) calls() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint(nil), f.attempts...)
}

// --- Fake path observer ---

type fakePathObserver struct {
	mu      sync.Mutex
	handler func(netpath.Path)
	current netpath.Path
	starts  int
	stops   int
}

func (f *fakePathObserver) Start(h func(netpath.Path)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	f.starts++
}

func (f *fakePathObserver) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	f.stops++
}

func (f *fakePathObserver) CurrentPath() netpath.Path {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakePathObserver) emit(p netpath.Path) bool {
	f.mu.Lock()
	h := f.handler
	f.current = p
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(p)
	return true
}

func (f *fakePathObserver) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// --- Fake tunnel monitor ---

type fakeMonitor struct {
	mu      sync.Mutex
	handler func(monitor.Event)
	targets []netip.Addr
	stops   int
	paths   []netpath.Path
}

func (f *fakeMonitor) SetEventHandler(h func(monitor.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeMonitor) Start(target netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
}

func (f *fakeMonitor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeMonitor) HandleNetworkPathUpdate(p netpath.Path) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, p)
}

func (f *fakeMonitor) emit(e monitor.Event) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(e)
	return true
}

func (f *fakeMonitor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

func (f *fakeMonitor) pathCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

// --- Fake tunnel adapter ---

var errAdapterFailed = errors.New("adapter failed")

type fakeAdapter struct {
	mu             sync.Mutex
	configs        []tunnel.Config
	policies       []tunnel.FirewallPolicy
	stops          int
	failStarts     int // number of upcoming Start calls that fail
	rejectMultihop bool
}

func (f *fakeAdapter) Start(_ context.Context, cfg tunnel.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectMultihop && cfg.Entry != nil {
		return tunnel.ErrMultihopUnsupported
	}
	if f.failStarts > 0 {
		f.failStarts--
		return errAdapterFailed
	}
	f.configs = append(f.configs, cfg)
	return nil
}

func (f *fakeAdapter) ApplyPolicy(p tunnel.FirewallPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies = append(f.policies, p)
	return nil
}

func (f *fakeAdapter) appliedPolicies() []tunnel.PolicyKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tunnel.PolicyKind
	for _, p := range f.policies {
		out = append(out, p.Kind)
	}
	return out
}

func (f *fakeAdapter) lastPolicy() tunnel.FirewallPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.policies) == 0 {
		return tunnel.FirewallPolicy{Kind: -1}
	}
	return f.policies[len(f.policies)-1]
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeAdapter) applied() []tunnel.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tunnel.Config(nil), f.configs...)
}

func (f *fakeAdapter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// --- Fake settings reader ---

type fakeSettings struct {
	mu       sync.Mutex
	settings config.Settings
	err      error
}

func (f *fakeSettings) Read() (config.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.err
}

func (f *fakeSettings) set(s config.Settings, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings, f.err = s, err
}

// --- Fake key negotiator ---

type fakeNegotiator struct {
	negotiate func(ctx context.Context, r relay.Relay) (psk, ephemeral config.Key, err error)

	mu      sync.Mutex
	calls   []string
	options []keyexchange.Options
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, r relay.Relay, _ config.Key, opts keyexchange.Options) (config.Key, config.Key, error) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Hostname)
	f.options = append(f.options, opts)
	f.mu.Unlock()
	return f.negotiate(ctx, r)
}

func (f *fakeNegotiator) relays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNegotiator) daita() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.options))
	for i, o := range f.options {
		out[i] = o.Daita
	}
	return out
}
