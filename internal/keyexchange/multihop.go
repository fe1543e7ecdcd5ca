package keyexchange

import (
	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/relay"
)

// MultiHop exchanges keys with the entry relay, then with the exit relay
// through the entry.
type MultiHop struct {
	entry            relay.Relay
	exit             relay.Relay
	devicePrivateKey config.Key
	negotiator       Negotiator
	cb               Callbacks

	started bool
	phase   Progress

	// entryConfig is the entry peer negotiated in the first phase.
	entryConfig PeerConfiguration
}

// Progress returns the current phase.
func (m *MultiHop) Progress() Progress {
	return m.phase
}

// Start configures the entry relay alone and negotiates with it.
func (m *MultiHop) Start() {
	if m.started {
		return
	}
	m.started = true
	m.phase = NegotiatingWithEntry
	m.cb.update(NegotiationState{
		Exit: PeerConfiguration{
			Relay:      m.entry,
			PrivateKey: m.devicePrivateKey,
			AllowedIPs: hostPrefix(m.entry.Gateway),
		},
	})
	m.negotiator.StartNegotiation(m.entry, m.devicePrivateKey)
}

// ReceiveKey advances one phase. Keys received before Start or after the
// last negotiation are ignored.
func (m *MultiHop) ReceiveKey(presharedKey, ephemeralKey config.Key) {
	if !m.started {
		return
	}

	switch m.phase {
	case NegotiatingWithEntry:
		m.phase = NegotiatingBetweenEntryAndExit
		m.entryConfig = PeerConfiguration{
			Relay:        m.entry,
			PrivateKey:   ephemeralKey,
			PresharedKey: &presharedKey,
			AllowedIPs:   hostPrefix(m.exit.Endpoint.Addr()),
		}
		entry := m.entryConfig
		m.cb.update(NegotiationState{
			Entry: &entry,
			Exit: PeerConfiguration{
				Relay:      m.exit,
				PrivateKey: m.devicePrivateKey,
				AllowedIPs: hostPrefix(m.exit.Gateway),
			},
		})
		m.negotiator.StartNegotiation(m.exit, m.devicePrivateKey)

	case NegotiatingBetweenEntryAndExit:
		m.phase = MakingConnection
		entry := m.entryConfig
		m.cb.update(NegotiationState{
			Entry: &entry,
			Exit: PeerConfiguration{
				Relay:        m.exit,
				PrivateKey:   ephemeralKey,
				PresharedKey: &presharedKey,
				AllowedIPs:   DefaultRoutes(),
			},
		})
		m.cb.finish()
	}
}
