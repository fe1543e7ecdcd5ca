package actor

import (
	"fmt"

	"github.com/kuuji/relaygate/internal/monitor"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
)

// Reduce applies cmd to state and returns the effects to execute, in order.
// It performs no I/O. The only error is ErrOutOfOrderExecution, returned
// with no effects and state untouched.
func Reduce(state *State, cmd Command) ([]Effect, error) {
	switch c := cmd.(type) {
	case Start:
		return reduceStart(state, c), nil
	case Stop:
		return reduceStop(state)
	case Reconnect:
		return reduceReconnect(state, c), nil
	case ErrorCommand:
		return []Effect{ConfigureForErrorState{Reason: c.Reason}}, nil
	case NotifyKeyRotated:
		if p := state.keyPolicy(); p != nil && p.Kind == UseCurrent {
			return []Effect{CacheActiveKey{LastKeyRotation: c.At}}, nil
		}
		return nil, nil
	case SwitchKey:
		return reduceSwitchKey(state), nil
	case MonitorEvent:
		return reduceMonitorEvent(state, c.Event), nil
	case NetworkReachability:
		state.setReachability(c.Path.Status)
		return []Effect{UpdateTunnelMonitorPath{Path: c.Path}}, nil
	case ReplaceDevicePrivateKey:
		return []Effect{PostQuantumConnect{PresharedKey: c.PresharedKey, PrivateKey: c.EphemeralKey}}, nil
	default:
		return nil, nil
	}
}

func reduceStart(state *State, c Start) []Effect {
	if state.Kind != Initial {
		return nil
	}
	*state = State{
		Kind: Connecting,
		Conn: &ConnectionData{
			KeyPolicy:           KeyPolicy{Kind: UseCurrent},
			NetworkReachability: netpath.Undetermined,
		},
	}
	return []Effect{
		StartDefaultPathObserver{},
		StartTunnelMonitor{},
		StartConnection{NextRelay: c.Options.nextRelay()},
	}
}

func reduceStop(state *State) ([]Effect, error) {
	switch state.Kind {
	case Connecting, Connected, Reconnecting, NegotiatingKeyExchange:
		state.Kind = Disconnecting
		state.Progress = 0
		return []Effect{StopTunnelMonitor{}, StopDefaultPathObserver{}, StopTunnelAdapter{}}, nil
	case Error:
		*state = State{Kind: Disconnected}
		return []Effect{StopDefaultPathObserver{}, StopTunnelAdapter{}}, nil
	case Disconnecting:
		return nil, fmt.Errorf("%w: stop while %s", ErrOutOfOrderExecution, state.Kind)
	default:
		return nil, nil
	}
}

func reduceReconnect(state *State, c Reconnect) []Effect {
	switch state.Kind {
	case Connecting, Connected, Reconnecting, Error:
	default:
		// No connection monitoring happens during a key exchange, and a
		// reconnect means nothing during teardown.
		return nil
	}
	restart := RestartConnection{NextRelay: c.NextRelay, Reason: c.Reason}
	if c.Reason == ReasonUserInitiated {
		return []Effect{StopTunnelMonitor{}, restart}
	}
	return []Effect{restart}
}

func reduceSwitchKey(state *State) []Effect {
	p := state.keyPolicy()
	if p == nil || p.Kind == UseCurrent {
		return nil
	}
	*p = KeyPolicy{Kind: UseCurrent}
	if state.Kind == Error {
		return nil
	}
	return []Effect{ReconnectEffect{NextRelay: relay.Random()}}
}

func reduceMonitorEvent(state *State, e monitor.Event) []Effect {
	switch e {
	case monitor.ConnectionEstablished:
		if state.Kind == Connecting || state.Kind == Reconnecting {
			state.Kind = Connected
			state.Conn.ConnectionAttemptCount = 0
		}
		return nil
	case monitor.ConnectionLost:
		switch state.Kind {
		case Connecting, Reconnecting, Connected:
			return []Effect{RestartConnection{NextRelay: relay.Random(), Reason: ReasonConnectionLoss}}
		}
	}
	return nil
}
