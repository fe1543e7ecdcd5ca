package actor

import "github.com/kuuji/relaygate/internal/netpath"

// ObservedState is the projection of State exposed to status consumers.
type ObservedState struct {
	State          string         `json:"state"`
	Relay          string         `json:"relay,omitempty"`
	Reachability   netpath.Status `json:"reachability"`
	Attempt        uint           `json:"connection_attempt"`
	PostQuantum    bool           `json:"post_quantum"`
	Progress       string         `json:"key_exchange_progress,omitempty"`
	BlockedReason  string         `json:"blocked_reason,omitempty"`
	BlockedMessage string         `json:"blocked_message,omitempty"`
}

// Observe projects s.
func Observe(s State) ObservedState {
	o := ObservedState{State: s.Kind.String()}
	if c := s.Conn; c != nil {
		if c.SelectedRelays.Exit.Hostname != "" {
			o.Relay = c.SelectedRelays.String()
		}
		o.Reachability = c.NetworkReachability
		o.Attempt = c.ConnectionAttemptCount
		o.PostQuantum = c.IsPostQuantum
	}
	if s.Kind == NegotiatingKeyExchange {
		o.Progress = s.Progress.String()
	}
	if b := s.Blocked; b != nil {
		o.Reachability = b.NetworkReachability
		o.BlockedReason = b.Reason.String()
		o.BlockedMessage = b.Reason.Message()
	}
	return o
}
