package actor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/retry"
	"github.com/kuuji/relaygate/internal/tunnel"
)

func TestDefaultErrorMapper(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want BlockedStateReason
	}{
		{"outdated schema", fmt.Errorf("%w: %w", ErrReadSettings, config.ErrOutdatedSchema), ReasonOutdatedSchema},
		{"logged out", fmt.Errorf("%w: %w", ErrReadSettings, config.ErrDeviceLoggedOut), ReasonDeviceLoggedOut},
		{"invalid account", config.ErrInvalidAccount, ReasonInvalidAccount},
		{"unreadable settings", fmt.Errorf("%w: %w", ErrReadSettings, errors.New("permission denied")), ReasonReadSettings},
		{"no relays", fmt.Errorf("selecting: %w", relay.ErrNoRelaysSatisfyingConstraints), ReasonNoRelaysSatisfyingConstraints},
		{"daita", relay.ErrNoRelaysSatisfyingDaitaConstraints, ReasonNoRelaysSatisfyingDaitaConstraints},
		{"port", relay.ErrNoRelaysSatisfyingPortConstraints, ReasonNoRelaysSatisfyingPortConstraints},
		{"obfuscation", relay.ErrNoRelaysSatisfyingObfuscationSettings, ReasonNoRelaysSatisfyingObfuscationSettings},
		{"entry equals exit", relay.ErrMultihopEntryEqualsExit, ReasonMultihopEntryEqualsExit},
		{"negotiation exhausted", fmt.Errorf("%w after 3 attempts: %w", retry.ErrExhausted, errors.New("timeout")), ReasonKeyExchangeFailed},
		{"multihop adapter", fmt.Errorf("%w: %w", ErrTunnelAdapter, tunnel.ErrMultihopUnsupported), ReasonMultihopUnsupported},
		{"adapter", fmt.Errorf("%w: %w", ErrTunnelAdapter, errAdapterFailed), ReasonTunnelAdapter},
		{"unknown", errors.New("boom"), ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DefaultErrorMapper(tt.err); got != tt.want {
				t.Errorf("DefaultErrorMapper(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBlockedStateReason_Message(t *testing.T) {
	t.Parallel()

	for _, r := range []BlockedStateReason{ReasonUnknown, ReasonReadSettings, ReasonTunnelAdapter} {
		if got := r.Message(); got != fallbackMessage {
			t.Errorf("%v.Message() = %q, want %q", r, got, fallbackMessage)
		}
	}
	for _, r := range []BlockedStateReason{ReasonDeviceLoggedOut, ReasonMultihopUnsupported} {
		if got := r.Message(); got == fallbackMessage {
			t.Errorf("%v.Message() = fallback, want a specific message", r)
		}
	}
	if got := BlockedStateReason(99).String(); got != "unknown" {
		t.Errorf("String() of undefined reason = %q, want unknown", got)
	}
}

func TestBlockedStateReason_Recoverable(t *testing.T) {
	t.Parallel()

	tests := map[BlockedStateReason]bool{
		ReasonUnknown:                       true,
		ReasonReadSettings:                  true,
		ReasonTunnelAdapter:                 true,
		ReasonKeyExchangeFailed:             true,
		ReasonOutdatedSchema:                false,
		ReasonDeviceLoggedOut:               false,
		ReasonInvalidAccount:                false,
		ReasonNoRelaysSatisfyingConstraints: false,
		ReasonMultihopEntryEqualsExit:       false,
		ReasonMultihopUnsupported:           false,
	}
	for r, want := range tests {
		if got := r.Recoverable(); got != want {
			t.Errorf("%v.Recoverable() = %v, want %v", r, got, want)
		}
	}
}
