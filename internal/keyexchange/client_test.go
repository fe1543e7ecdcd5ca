package keyexchange

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/relay"
)

func newTestServer(t *testing.T, onRegister func(Registration) error) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(NewResponder(ResponderConfig{OnRegister: onRegister}))
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		Endpoint: func(relay.Relay) string {
			return "ws" + strings.TrimPrefix(srv.URL, "http")
		},
	})
	return client, srv
}

func TestClient_Negotiate(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []Registration
	)
	client, _ := newTestServer(t, func(r Registration) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r)
		return nil
	})

	device := mustKey(t)
	psk, ephemeral, err := client.Negotiate(context.Background(), testRelay(t, "se-got-wg-001", "192.0.2.1:51820"), device, Options{Daita: true})
	if err != nil {
		t.Fatalf("Negotiate() error: %v", err)
	}
	if psk.IsZero() || ephemeral.IsZero() {
		t.Fatal("Negotiate() returned zero key material")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("registrations = %d, want 1", len(got))
	}
	reg := got[0]
	if reg.PresharedKey != psk {
		t.Error("relay and device derived different preshared keys")
	}
	if reg.DevicePublicKey != config.PublicKey(device) {
		t.Error("registration carries the wrong device key")
	}
	if reg.EphemeralPublicKey != config.PublicKey(ephemeral) {
		t.Error("registration carries the wrong ephemeral key")
	}
	if !reg.Daita {
		t.Error("Daita = false, want true")
	}
	if reg.SessionID == "" {
		t.Error("SessionID is empty")
	}
}

func TestClient_Negotiate_freshKeysEachTime(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, nil)
	device := mustKey(t)
	r := testRelay(t, "se-got-wg-001", "192.0.2.1:51820")

	psk1, eph1, err := client.Negotiate(context.Background(), r, device, Options{})
	if err != nil {
		t.Fatalf("Negotiate() error: %v", err)
	}
	psk2, eph2, err := client.Negotiate(context.Background(), r, device, Options{})
	if err != nil {
		t.Fatalf("Negotiate() error: %v", err)
	}
	if psk1 == psk2 || eph1 == eph2 {
		t.Error("two negotiations produced identical key material")
	}
}

func TestClient_Negotiate_rejected(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(Registration) error {
		return errors.New("unknown device")
	})

	_, _, err := client.Negotiate(context.Background(), testRelay(t, "r", "192.0.2.1:51820"), mustKey(t), Options{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Negotiate() error = %v, want %v", err, ErrRejected)
	}
	if !strings.Contains(err.Error(), "unknown device") {
		t.Errorf("Negotiate() error = %v, want relay reason", err)
	}
}

func TestClient_Negotiate_unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	client := NewClient(ClientConfig{Endpoint: func(relay.Relay) string { return url }})
	_, _, err := client.Negotiate(context.Background(), testRelay(t, "r", "192.0.2.1:51820"), mustKey(t), Options{})
	if err == nil {
		t.Fatal("Negotiate() expected error for closed server")
	}
}

func TestDefaultEndpoint(t *testing.T) {
	t.Parallel()

	r := relay.Relay{Gateway: netip.MustParseAddr("10.64.0.1")}
	if got, want := DefaultEndpoint(r), "ws://10.64.0.1:1337/v1/ephemeral-peer"; got != want {
		t.Errorf("DefaultEndpoint() = %q, want %q", got, want)
	}

	r6 := relay.Relay{Gateway: netip.MustParseAddr("fc00:bbbb:bbbb:bb01::1")}
	if got, want := DefaultEndpoint(r6), "ws://[fc00:bbbb:bbbb:bb01::1]:1337/v1/ephemeral-peer"; got != want {
		t.Errorf("DefaultEndpoint() = %q, want %q", got, want)
	}
}

func TestDerivePresharedKey_bindsEphemeralKey(t *testing.T) {
	t.Parallel()

	ss := []byte("shared secret")
	a, err := derivePresharedKey(ss, config.PublicKey(mustKey(t)))
	if err != nil {
		t.Fatalf("derivePresharedKey() error: %v", err)
	}
	b, err := derivePresharedKey(ss, config.PublicKey(mustKey(t)))
	if err != nil {
		t.Fatalf("derivePresharedKey() error: %v", err)
	}
	if a == b {
		t.Error("different ephemeral keys derived the same preshared key")
	}
}
