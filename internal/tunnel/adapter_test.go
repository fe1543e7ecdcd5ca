package tunnel

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/conn/bindtest"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/tuntest"

	"github.com/kuuji/relaygate/internal/config"
)

type linkCall struct {
	ifName     string
	prev, next LinkConfig
}

type recordingLink struct {
	mu    sync.Mutex
	calls []linkCall
}

func (r *recordingLink) configure(ifName string, prev, next LinkConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, linkCall{ifName: ifName, prev: prev, next: next})
	return nil
}

func (r *recordingLink) snapshot() []linkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]linkCall(nil), r.calls...)
}

type recordingFirewall struct {
	mu       sync.Mutex
	policies []FirewallPolicy
	resets   int
}

func (r *recordingFirewall) Apply(p FirewallPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, p)
	return nil
}

func (r *recordingFirewall) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return nil
}

func newTestAdapter(t *testing.T, link *recordingLink) *Adapter {
	t.Helper()
	return newTestAdapterWithFirewall(t, link, &recordingFirewall{})
}

func newTestAdapterWithFirewall(t *testing.T, link *recordingLink, fw Firewall) *Adapter {
	t.Helper()
	a := NewAdapter(AdapterConfig{
		Firewall:  fw,
		CreateTUN: func(string, int) (tun.Device, error) {
			return tuntest.NewChannelTUN().TUN(), nil
		},
		NewBind: func() conn.Bind {
			return bindtest.NewChannelBinds()[0]
		},
		ConfigureLink: link.configure,
	})
	t.Cleanup(func() { a.Stop() })
	return a
}

var linkCmp = cmp.Options{
	cmp.AllowUnexported(linkCall{}),
	cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
}

func TestAdapter_StartConfiguresLinkOnce(t *testing.T) {
	t.Parallel()

	link := &recordingLink{}
	a := newTestAdapter(t, link)

	cfg := Config{
		PrivateKey: mustGenerateKey(t),
		Addresses:  []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		DNS:        []netip.Addr{netip.MustParseAddr("10.64.0.1")},
		Peer: &PeerConfig{
			PublicKey: config.PublicKey(mustGenerateKey(t)),
			Endpoint:  netip.MustParseAddrPort("127.0.0.1:51820"),
			AllowedIPs: []netip.Prefix{
				netip.MustParsePrefix("0.0.0.0/0"),
				netip.MustParsePrefix("10.64.0.1/32"),
			},
		},
	}

	for range 2 {
		if err := a.Start(context.Background(), cfg); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	}

	ifName := a.InterfaceName()
	if ifName == "" {
		t.Fatal("InterfaceName() = \"\" after Start")
	}

	want := []linkCall{{
		ifName: ifName,
		next: LinkConfig{
			Addresses:     cfg.Addresses,
			Routes:        []netip.Prefix{netip.MustParsePrefix("10.64.0.1/32")},
			DNS:           cfg.DNS,
			DefaultRoutes: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
			FirewallMark:  DefaultFirewallMark,
			RouteTable:    DefaultRouteTable,
		},
	}}
	if diff := cmp.Diff(want, link.snapshot(), linkCmp); diff != "" {
		t.Errorf("link calls mismatch (-want +got):\n%s", diff)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	calls := link.snapshot()
	if len(calls) != 2 {
		t.Fatalf("link calls after Stop = %d, want 2", len(calls))
	}
	if got := calls[1].next.DNS; len(got) != 0 {
		t.Errorf("DNS after Stop = %v, want none", got)
	}
	if got := calls[1].next.DefaultRoutes; len(got) != 0 {
		t.Errorf("DefaultRoutes after Stop = %v, want none", got)
	}
}

func TestAdapter_ApplyPolicyFillsInterface(t *testing.T) {
	t.Parallel()

	fw := &recordingFirewall{}
	a := newTestAdapterWithFirewall(t, &recordingLink{}, fw)

	if err := a.ApplyPolicy(FirewallPolicy{Kind: PolicyBlocked}); err != nil {
		t.Fatalf("ApplyPolicy(before Start) error: %v", err)
	}
	if err := a.Start(context.Background(), Config{PrivateKey: mustGenerateKey(t)}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	endpoint := netip.MustParseAddrPort("198.51.100.7:51820")
	if err := a.ApplyPolicy(FirewallPolicy{Kind: PolicyConnected, Endpoints: []netip.AddrPort{endpoint}}); err != nil {
		t.Fatalf("ApplyPolicy(connected) error: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.policies) != 2 {
		t.Fatalf("policies = %d, want 2", len(fw.policies))
	}
	ifName := fw.policies[1].Interface
	if ifName == "" {
		t.Error("connected policy has no interface")
	}
	want := []FirewallPolicy{
		{Kind: PolicyBlocked},
		{Kind: PolicyConnected, Endpoints: []netip.AddrPort{endpoint}, Interface: ifName},
	}
	if diff := cmp.Diff(want, fw.policies, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Errorf("policies mismatch (-want +got):\n%s", diff)
	}
	if fw.resets == 0 {
		t.Error("Stop() did not reset the firewall")
	}
}

func TestAdapter_BlockingThenConnected(t *testing.T) {
	t.Parallel()

	link := &recordingLink{}
	a := newTestAdapter(t, link)
	key := mustGenerateKey(t)
	addrs := []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")}

	if err := a.Start(context.Background(), Config{PrivateKey: key, Addresses: addrs}); err != nil {
		t.Fatalf("Start(blocking) error: %v", err)
	}
	err := a.Start(context.Background(), Config{
		PrivateKey: key,
		Addresses:  addrs,
		Peer: &PeerConfig{
			PublicKey:  config.PublicKey(mustGenerateKey(t)),
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.64.0.1/32")},
		},
	})
	if err != nil {
		t.Fatalf("Start(connected) error: %v", err)
	}

	calls := link.snapshot()
	if len(calls) != 2 {
		t.Fatalf("link calls = %d, want 2", len(calls))
	}
	if diff := cmp.Diff(calls[0].next, calls[1].prev, linkCmp); diff != "" {
		t.Errorf("second call prev mismatch (-want +got):\n%s", diff)
	}
}

func TestAdapter_RejectsMultihop(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, &recordingLink{})
	err := a.Start(context.Background(), Config{
		PrivateKey: mustGenerateKey(t),
		Entry:      &HopConfig{PrivateKey: mustGenerateKey(t)},
	})
	if !errors.Is(err, ErrMultihopUnsupported) {
		t.Errorf("Start() error = %v, want ErrMultihopUnsupported", err)
	}
	if got := a.InterfaceName(); got != "" {
		t.Errorf("InterfaceName() = %q, want no device", got)
	}
}

func TestAdapter_IdleStopAndHandshake(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, &recordingLink{})

	hs, err := a.LastHandshake()
	if err != nil {
		t.Fatalf("LastHandshake() error: %v", err)
	}
	if !hs.IsZero() {
		t.Errorf("LastHandshake() = %v, want zero", hs)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("Stop() on idle adapter = %v, want nil", err)
	}
}
