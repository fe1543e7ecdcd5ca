// Package monitor watches WireGuard handshakes and reports when the tunnel
// becomes usable and when it stops being usable.
package monitor

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/retry"
)

// Event is reported to the event handler.
type Event int

const (
	ConnectionEstablished Event = iota
	ConnectionLost
)

func (e Event) String() string {
	switch e {
	case ConnectionEstablished:
		return "connection established"
	case ConnectionLost:
		return "connection lost"
	default:
		return "unknown"
	}
}

const (
	// DefaultCheckInterval is how often the handshake age is checked.
	DefaultCheckInterval = time.Second

	// DefaultHandshakeTimeout is the handshake age after which an established
	// connection counts as lost. WireGuard rekeys every 120s while traffic
	// flows and the keepalive guarantees traffic.
	DefaultHandshakeTimeout = 200 * time.Second

	// pingPort is the discard service. The datagram only has to reach the
	// WireGuard device to trigger a handshake.
	pingPort = 9
)

// DefaultEstablishTimeout bounds the wait for the first handshake. It grows
// with every consecutive loss and resets once a connection is established.
var DefaultEstablishTimeout = retry.ExponentialBackoff(4*time.Second, 2, 15*time.Second)

// HandshakeSource reports the latest WireGuard handshake.
type HandshakeSource interface {
	LastHandshake() (time.Time, error)
}

// Config holds configuration for a Monitor.
type Config struct {
	Source HandshakeSource

	// CheckInterval between handshake checks. Zero means DefaultCheckInterval.
	CheckInterval time.Duration

	// HandshakeTimeout is the maximum handshake age of an established
	// connection. Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// EstablishTimeout yields the successive first-handshake deadlines.
	// Never (the zero value) means DefaultEstablishTimeout.
	EstablishTimeout retry.Delay

	// Ping sends traffic towards addr so WireGuard initiates a handshake.
	// Nil sends a UDP datagram to the discard port.
	Ping func(addr netip.Addr) error

	Logger *slog.Logger
}

// Monitor reports ConnectionEstablished once a handshake completes after
// Start, and ConnectionLost when none completes in time or the last one
// grows stale. Checks are suspended while the network path is unreachable.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	handler     func(Event)
	reachable   bool
	timeouts    *retry.DelayIterator
	cancel      context.CancelFunc
	done        chan struct{}
	pathChanged chan bool
}

// New creates a Monitor. It does nothing until Start.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.EstablishTimeout.IsNever() {
		cfg.EstablishTimeout = DefaultEstablishTimeout
	}
	if cfg.Ping == nil {
		cfg.Ping = sendPing
	}
	return &Monitor{
		cfg:       cfg,
		log:       logger.With("component", "monitor"),
		reachable: true,
	}
}

// SetEventHandler sets the function events are delivered to. It runs on the
// monitor goroutine and must not block.
func (m *Monitor) SetEventHandler(h func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Start begins monitoring a freshly configured tunnel, pinging target until
// the first handshake. Starting a running monitor restarts it.
func (m *Monitor) Start(target netip.Addr) {
	m.halt()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pathChanged := make(chan bool, 1)

	m.mu.Lock()
	if m.timeouts == nil {
		m.timeouts = m.cfg.EstablishTimeout.MakeDelayIterator(false)
	}
	timeout, _ := m.timeouts.Next()
	m.cancel = cancel
	m.done = done
	m.pathChanged = pathChanged
	reachable := m.reachable
	m.mu.Unlock()

	m.log.Debug("monitor started", "target", target, "establish_timeout", timeout)

	go func() {
		defer close(done)
		m.run(ctx, target, timeout, reachable, pathChanged)
	}()
}

// Stop ends monitoring and forgets accumulated establish timeouts. No event
// is delivered after Stop returns.
func (m *Monitor) Stop() {
	m.halt()

	m.mu.Lock()
	m.timeouts = nil
	m.mu.Unlock()
}

// HandleNetworkPathUpdate suspends checks while p is unreachable and
// resumes them, with fresh deadlines, when it becomes reachable again.
func (m *Monitor) HandleNetworkPathUpdate(p netpath.Path) {
	reachable := p.Status != netpath.Unreachable

	m.mu.Lock()
	changed := reachable != m.reachable
	m.reachable = reachable
	ch := m.pathChanged
	m.mu.Unlock()

	if !changed || ch == nil {
		return
	}
	// Keep only the newest value.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- reachable:
	default:
	}
}

func (m *Monitor) halt() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done, m.pathChanged = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, target netip.Addr, establishTimeout time.Duration, reachable bool, pathChanged <-chan bool) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	startedAt := time.Now()
	established := false

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-pathChanged:
			if r && !reachable {
				startedAt = time.Now()
			}
			reachable = r
			m.log.Debug("monitor path update", "reachable", reachable)
			continue
		case <-ticker.C:
		}

		if !reachable {
			continue
		}

		last, err := m.cfg.Source.LastHandshake()
		if err != nil {
			m.log.Warn("reading handshake time failed", "error", err)
			continue
		}
		now := time.Now()

		if !established {
			switch {
			case last.After(startedAt):
				established = true
				m.resetTimeouts()
				m.emit(ctx, ConnectionEstablished)
			case now.Sub(startedAt) >= establishTimeout:
				m.log.Info("no handshake before timeout", "timeout", establishTimeout)
				m.emit(ctx, ConnectionLost)
				return
			default:
				if err := m.cfg.Ping(target); err != nil {
					m.log.Debug("sending ping failed", "error", err)
				}
			}
			continue
		}

		if age := now.Sub(last); age > m.cfg.HandshakeTimeout {
			m.log.Info("handshake is stale", "age", age.Round(time.Second))
			m.emit(ctx, ConnectionLost)
			return
		}
	}
}

func (m *Monitor) resetTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = nil
}

func (m *Monitor) emit(ctx context.Context, e Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()

	if h == nil || ctx.Err() != nil {
		return
	}
	h(e)
}

func sendPing(addr netip.Addr) error {
	if !addr.IsValid() {
		return nil
	}
	conn, err := net.Dial("udp", net.JoinHostPort(addr.String(), strconv.Itoa(pingPort)))
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte{0})
	return err
}
