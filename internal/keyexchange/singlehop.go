package keyexchange

import (
	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/relay"
)

type singleHopPhase int

const (
	singleHopIdle singleHopPhase = iota
	singleHopNegotiating
	singleHopDone
)

// SingleHop exchanges keys with the exit relay only.
type SingleHop struct {
	exit             relay.Relay
	devicePrivateKey config.Key
	negotiator       Negotiator
	cb               Callbacks

	phase singleHopPhase
}

// Start restricts the tunnel to the relay's gateway and starts negotiating.
func (s *SingleHop) Start() {
	if s.phase != singleHopIdle {
		return
	}
	s.phase = singleHopNegotiating
	s.cb.update(NegotiationState{
		Exit: PeerConfiguration{
			Relay:      s.exit,
			PrivateKey: s.devicePrivateKey,
			AllowedIPs: hostPrefix(s.exit.Gateway),
		},
	})
	s.negotiator.StartNegotiation(s.exit, s.devicePrivateKey)
}

// ReceiveKey switches to the ephemeral key, opens the default routes and
// finishes. Keys received outside negotiation are ignored.
func (s *SingleHop) ReceiveKey(presharedKey, ephemeralKey config.Key) {
	if s.phase != singleHopNegotiating {
		return
	}
	s.phase = singleHopDone
	s.cb.update(NegotiationState{
		Exit: PeerConfiguration{
			Relay:        s.exit,
			PrivateKey:   ephemeralKey,
			PresharedKey: &presharedKey,
			AllowedIPs:   DefaultRoutes(),
		},
	})
	s.cb.finish()
}
