package actor

import (
	"errors"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/retry"
	"github.com/kuuji/relaygate/internal/tunnel"
)

// BlockedStateReason is the classified cause of the error state.
type BlockedStateReason int

const (
	ReasonUnknown BlockedStateReason = iota
	ReasonOutdatedSchema
	ReasonNoRelaysSatisfyingConstraints
	ReasonNoRelaysSatisfyingDaitaConstraints
	ReasonNoRelaysSatisfyingObfuscationSettings
	ReasonNoRelaysSatisfyingPortConstraints
	ReasonMultihopEntryEqualsExit
	ReasonInvalidAccount
	ReasonDeviceLoggedOut
	ReasonReadSettings
	ReasonTunnelAdapter
	ReasonKeyExchangeFailed
	ReasonMultihopUnsupported
)

const fallbackMessage = "Unable to start tunnel connection."

var reasonNames = map[BlockedStateReason]string{
	ReasonUnknown:                               "unknown",
	ReasonOutdatedSchema:                        "outdated schema",
	ReasonNoRelaysSatisfyingConstraints:         "no relays satisfying constraints",
	ReasonNoRelaysSatisfyingDaitaConstraints:    "no relays satisfying DAITA constraints",
	ReasonNoRelaysSatisfyingObfuscationSettings: "no relays satisfying obfuscation settings",
	ReasonNoRelaysSatisfyingPortConstraints:     "no relays satisfying port constraints",
	ReasonMultihopEntryEqualsExit:               "multihop entry equals exit",
	ReasonInvalidAccount:                        "invalid account",
	ReasonDeviceLoggedOut:                       "device logged out",
	ReasonReadSettings:                          "read settings",
	ReasonTunnelAdapter:                         "tunnel adapter",
	ReasonKeyExchangeFailed:                     "key exchange failed",
	ReasonMultihopUnsupported:                   "multihop unsupported",
}

var reasonMessages = map[BlockedStateReason]string{
	ReasonOutdatedSchema:                        "Unable to start tunnel connection after update. Please update the configuration.",
	ReasonNoRelaysSatisfyingConstraints:         "No servers match your settings, try changing server or other settings.",
	ReasonNoRelaysSatisfyingDaitaConstraints:    "No servers match your DAITA settings, try changing server or other settings.",
	ReasonNoRelaysSatisfyingObfuscationSettings: "No servers match your obfuscation settings, try changing server or other settings.",
	ReasonNoRelaysSatisfyingPortConstraints:     "No servers match your port settings, try changing server or other settings.",
	ReasonMultihopEntryEqualsExit:               "The entry and exit servers cannot be the same. Try changing one to a new server or location.",
	ReasonInvalidAccount:                        "Unable to start tunnel connection. Please check your account number.",
	ReasonDeviceLoggedOut:                       "Unable to authenticate account. Please log out and log back in.",
	ReasonKeyExchangeFailed:                     "Unable to negotiate keys with the server. Retrying shortly.",
	ReasonMultihopUnsupported:                   "Multihop is not supported on this platform. Turn off multihop to connect.",
}

func (r BlockedStateReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Message returns the user-facing message for r. Reasons without a
// specific message share a generic one.
func (r BlockedStateReason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return fallbackMessage
}

// Recoverable reports whether the tunnel should periodically try to leave
// the error state on its own. Reasons that need the configuration fixed
// wait for a reconnect.
func (r BlockedStateReason) Recoverable() bool {
	switch r {
	case ReasonReadSettings, ReasonTunnelAdapter, ReasonKeyExchangeFailed, ReasonUnknown:
		return true
	default:
		return false
	}
}

// ErrOutOfOrderExecution is returned by Reduce for commands that can only
// arrive through a defect in the effect driver.
var ErrOutOfOrderExecution = errors.New("out of order execution")

// Errors wrapped around failures of the corresponding collaborator.
var (
	ErrReadSettings  = errors.New("reading settings")
	ErrTunnelAdapter = errors.New("configuring tunnel adapter")
)

// ErrorMapper classifies an error from effect execution.
type ErrorMapper func(error) BlockedStateReason

var reasonErrors = []struct {
	err    error
	reason BlockedStateReason
}{
	{config.ErrOutdatedSchema, ReasonOutdatedSchema},
	{config.ErrDeviceLoggedOut, ReasonDeviceLoggedOut},
	{config.ErrInvalidAccount, ReasonInvalidAccount},
	{relay.ErrNoRelaysSatisfyingConstraints, ReasonNoRelaysSatisfyingConstraints},
	{relay.ErrNoRelaysSatisfyingDaitaConstraints, ReasonNoRelaysSatisfyingDaitaConstraints},
	{relay.ErrNoRelaysSatisfyingPortConstraints, ReasonNoRelaysSatisfyingPortConstraints},
	{relay.ErrNoRelaysSatisfyingObfuscationSettings, ReasonNoRelaysSatisfyingObfuscationSettings},
	{relay.ErrMultihopEntryEqualsExit, ReasonMultihopEntryEqualsExit},
	{retry.ErrExhausted, ReasonKeyExchangeFailed},
	{tunnel.ErrMultihopUnsupported, ReasonMultihopUnsupported},
	{ErrReadSettings, ReasonReadSettings},
	{ErrTunnelAdapter, ReasonTunnelAdapter},
}

// DefaultErrorMapper maps the sentinel errors of the collaborators to their
// reasons and everything else to ReasonUnknown.
func DefaultErrorMapper(err error) BlockedStateReason {
	for _, re := range reasonErrors {
		if errors.Is(err, re.err) {
			return re.reason
		}
	}
	return ReasonUnknown
}
