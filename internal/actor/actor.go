package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/relaygate/internal/cancel"
	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/internal/monitor"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/retry"
	"github.com/kuuji/relaygate/internal/tunnel"
)

// Timings are the delays used by the Actor.
type Timings struct {
	// BlockedRecoveryInterval is how often a recoverable error state tries
	// to reconnect.
	BlockedRecoveryInterval time.Duration

	// KeyPropagationDelay is how long the prior key stays in use after a
	// key rotation.
	KeyPropagationDelay time.Duration
}

// DefaultTimings returns the default Timings.
func DefaultTimings() Timings {
	return Timings{
		BlockedRecoveryInterval: config.DefaultBlockedRecoveryInterval,
		KeyPropagationDelay:     config.DefaultKeyPropagationDelay,
	}
}

// Option configures an Actor.
type Option func(*Actor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) { a.log = l.With("component", "actor") }
}

// WithTimings overrides DefaultTimings. Zero fields keep their defaults.
func WithTimings(t Timings) Option {
	return func(a *Actor) {
		if t.BlockedRecoveryInterval > 0 {
			a.timings.BlockedRecoveryInterval = t.BlockedRecoveryInterval
		}
		if t.KeyPropagationDelay > 0 {
			a.timings.KeyPropagationDelay = t.KeyPropagationDelay
		}
	}
}

// WithErrorMapper replaces DefaultErrorMapper.
func WithErrorMapper(m ErrorMapper) Option {
	return func(a *Actor) { a.mapError = m }
}

// WithNegotiationStrategy replaces retry.PostQuantumKeyExchange for key
// negotiations.
func WithNegotiationStrategy(s retry.Strategy) Option {
	return func(a *Actor) { a.negotiation = s }
}

// WithStateObserver registers fn to receive every change of the observed
// state. fn runs on the actor goroutine and must not block.
func WithStateObserver(fn func(ObservedState)) Option {
	return func(a *Actor) { a.observers = append(a.observers, fn) }
}

// Actor owns the tunnel State. Commands are reduced one at a time on a
// single goroutine, and the resulting effects run there in order before the
// next command is taken.
type Actor struct {
	deps        Deps
	log         *slog.Logger
	timings     Timings
	mapError    ErrorMapper
	negotiation retry.Strategy
	observers   []func(ObservedState)

	queue *commandQueue

	mu       sync.RWMutex
	state    State
	observed ObservedState

	done chan struct{}

	// Owned by the actor goroutine.
	ctx        context.Context
	attempt    *cancel.Chain
	attemptID  uint64
	exchange   *negotiation
	recovery   *time.Ticker
	stopRecov  chan struct{}
	keySwitch  *time.Timer
	keySwitchC chan struct{}
}

// negotiation is the key exchange of the current connection attempt.
type negotiation struct {
	exchanger keyexchange.Exchanger
	settings  config.Settings
	relays    relay.Selected
	target    Kind
	hops      int
	updates   int
}

// New creates an Actor in the initial state. Call Start to run it.
func New(deps Deps, opts ...Option) *Actor {
	a := &Actor{
		deps:        deps,
		log:         slog.Default().With("component", "actor"),
		timings:     DefaultTimings(),
		mapError:    DefaultErrorMapper,
		negotiation: retry.PostQuantumKeyExchange,
		queue:       newCommandQueue(),
		done:        make(chan struct{}),
		attempt:     &cancel.Chain{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.observed = Observe(a.state)
	return a
}

// Start runs the actor until ctx is cancelled.
func (a *Actor) Start(ctx context.Context) {
	a.ctx = ctx
	go a.run(ctx)
}

// Wait blocks until the actor goroutine has exited.
func (a *Actor) Wait() {
	<-a.done
}

// Submit queues cmd. It never blocks.
func (a *Actor) Submit(cmd Command) {
	a.queue.push(queuedCommand{cmd: cmd})
}

// State returns a copy of the current state.
func (a *Actor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

// ObservedState returns the projection of the current state.
func (a *Actor) ObservedState() ObservedState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.observed
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)
	defer a.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.queue.signal:
		}

		for ctx.Err() == nil {
			qc, ok := a.queue.pop()
			if !ok {
				break
			}
			if qc.attempt != 0 && qc.attempt != a.attemptID {
				a.log.Debug("dropping command from superseded attempt", "command", qc.cmd.String())
				continue
			}
			a.handle(ctx, qc.cmd)
		}
	}
}

func (a *Actor) handle(ctx context.Context, cmd Command) {
	a.log.Debug("received command", "command", cmd.String())

	a.mu.Lock()
	wasConnected := a.state.Kind == Connected
	effects, err := Reduce(&a.state, cmd)
	var established *relay.Selected
	if !wasConnected && a.state.Kind == Connected {
		sel := a.state.Conn.SelectedRelays
		established = &sel
	}
	a.mu.Unlock()
	a.publish()

	if err != nil {
		a.log.Error("rejected command", "command", cmd.String(), "error", err)
		return
	}
	if established != nil {
		a.allowTunnel(ctx, *established)
	}
	for _, e := range effects {
		a.execute(ctx, e)
	}
}

func (a *Actor) execute(ctx context.Context, effect Effect) {
	a.log.Debug("executing effect", "effect", fmt.Sprintf("%T", effect))

	switch e := effect.(type) {
	case StartDefaultPathObserver:
		a.deps.PathObserver.Start(func(p netpath.Path) {
			a.Submit(NetworkReachability{Path: p})
		})
	case StopDefaultPathObserver:
		a.deps.PathObserver.Stop()
	case StartTunnelMonitor:
		a.deps.Monitor.SetEventHandler(func(ev monitor.Event) {
			a.Submit(MonitorEvent{Event: ev})
		})
	case StopTunnelMonitor:
		a.deps.Monitor.Stop()
	case UpdateTunnelMonitorPath:
		a.deps.Monitor.HandleNetworkPathUpdate(e.Path)
	case StartConnection:
		if err := a.tryStart(ctx, e.NextRelay, ReasonUserInitiated); err != nil {
			a.log.Error("failed to start the tunnel", "error", err)
			a.setErrorState(ctx, a.mapError(err))
		}
	case RestartConnection:
		if err := a.tryStart(ctx, e.NextRelay, e.Reason); err != nil {
			a.log.Error("failed to reconnect the tunnel", "error", err)
			a.setErrorState(ctx, a.mapError(err))
		}
	case ReconnectEffect:
		a.Submit(Reconnect{NextRelay: e.NextRelay, Reason: ReasonUserInitiated})
	case StopTunnelAdapter:
		a.cancelAttempt()
		a.stopKeySwitch()
		if err := a.deps.Adapter.Stop(); err != nil {
			a.log.Error("failed to stop adapter", "error", err)
		}
		a.setState(State{Kind: Disconnected})
	case ConfigureForErrorState:
		a.setErrorState(ctx, e.Reason)
	case CacheActiveKey:
		a.cacheActiveKey(e.LastKeyRotation)
	case PostQuantumConnect:
		if a.exchange == nil {
			a.log.Debug("ignoring key without a key exchange in progress")
			return
		}
		a.exchange.exchanger.ReceiveKey(e.PresharedKey, e.PrivateKey)
	}
}

// tryStart reads settings and either configures the tunnel directly or
// starts a key exchange.
func (a *Actor) tryStart(ctx context.Context, next relay.NextRelay, reason ReconnectReason) error {
	settings, err := a.deps.Settings.Read()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReadSettings, err)
	}

	conn, err := a.makeConnectionData(next, settings, reason)
	if err != nil || conn == nil {
		return err
	}
	target, ok := a.targetState()
	if !ok {
		return nil
	}

	a.cancelAttempt()

	if settings.PostQuantum {
		return a.startNegotiation(conn, settings, target)
	}
	return a.startConnection(ctx, conn, settings, target)
}

func (a *Actor) startConnection(ctx context.Context, conn *ConnectionData, settings config.Settings, target Kind) error {
	a.setState(State{Kind: target, Conn: conn})

	cfg := connectionConfig(settings, activeKey(conn, settings), conn.SelectedRelays)
	if err := a.deps.Adapter.Start(ctx, cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrTunnelAdapter, err)
	}
	if err := a.deps.Adapter.ApplyPolicy(connectingPolicy(conn.SelectedRelays)); err != nil {
		return fmt.Errorf("%w: %w", ErrTunnelAdapter, err)
	}
	a.deps.Monitor.Start(conn.SelectedRelays.Exit.Gateway)
	a.log.Info("tunnel configured", "relay", conn.SelectedRelays.String(), "state", target.String())
	return nil
}

func (a *Actor) startNegotiation(conn *ConnectionData, settings config.Settings, target Kind) error {
	if a.deps.Negotiator == nil {
		return errors.New("post-quantum key exchange enabled without a negotiator")
	}

	a.setState(State{Kind: NegotiatingKeyExchange, Conn: conn, Progress: keyexchange.NegotiatingWithEntry})

	n := &negotiation{
		settings: settings,
		relays:   conn.SelectedRelays,
		target:   target,
		hops:     conn.SelectedRelays.Hops(),
	}
	runner := &negotiationRunner{
		negotiator: a.deps.Negotiator,
		strategy:   a.negotiation,
		chain:      a.attempt,
		ctx:        a.ctx,
		attempt:    a.attemptID,
		options:    keyexchange.Options{Daita: settings.Daita},
		submit:     a.queue.push,
		log:        a.log,
	}
	n.exchanger = keyexchange.New(conn.SelectedRelays, activeKey(conn, settings), runner, keyexchange.Callbacks{
		OnUpdateConfiguration: func(ns keyexchange.NegotiationState) { a.onNegotiationUpdate(n, ns) },
		OnFinish:              func() { a.onNegotiationFinish(n) },
	})
	a.exchange = n

	a.log.Info("starting key exchange", "relay", conn.SelectedRelays.String())
	n.exchanger.Start()
	return nil
}

func (a *Actor) onNegotiationUpdate(n *negotiation, ns keyexchange.NegotiationState) {
	if a.exchange != n {
		return
	}
	n.updates++
	a.mu.Lock()
	if a.state.Kind == NegotiatingKeyExchange {
		a.state.Progress = negotiationProgress(n.hops, n.updates)
	}
	a.mu.Unlock()
	a.publish()

	err := a.deps.Adapter.Start(a.ctx, negotiationConfig(n.settings, ns))
	if err == nil && n.updates == 1 {
		err = a.deps.Adapter.ApplyPolicy(connectingPolicy(n.relays))
	}
	if err != nil {
		a.log.Error("failed to apply key exchange configuration", "error", err)
		a.setErrorState(a.ctx, a.mapError(fmt.Errorf("%w: %w", ErrTunnelAdapter, err)))
	}
}

// allowTunnel opens the firewall to all tunnel traffic once the connection
// is established.
func (a *Actor) allowTunnel(ctx context.Context, sel relay.Selected) {
	if err := a.deps.Adapter.ApplyPolicy(connectedPolicy(sel)); err != nil {
		a.log.Error("failed to apply connected firewall policy", "error", err)
		a.setErrorState(ctx, a.mapError(fmt.Errorf("%w: %w", ErrTunnelAdapter, err)))
	}
}

func (a *Actor) onNegotiationFinish(n *negotiation) {
	if a.exchange != n {
		return
	}
	a.exchange = nil

	a.mu.RLock()
	state := a.state.Clone()
	a.mu.RUnlock()
	if state.Kind != NegotiatingKeyExchange {
		return
	}

	conn := state.Conn
	a.setState(State{Kind: n.target, Conn: conn})
	a.deps.Monitor.Start(conn.SelectedRelays.Exit.Gateway)
	a.log.Info("key exchange finished", "relay", conn.SelectedRelays.String())
}

// negotiationProgress maps the number of configurations reported by an
// exchanger to its progress.
func negotiationProgress(hops, updates int) keyexchange.Progress {
	if hops < 2 {
		if updates <= 1 {
			return keyexchange.NegotiatingWithEntry
		}
		return keyexchange.MakingConnection
	}
	switch updates {
	case 0, 1:
		return keyexchange.NegotiatingWithEntry
	case 2:
		return keyexchange.NegotiatingBetweenEntryAndExit
	default:
		return keyexchange.MakingConnection
	}
}

// makeConnectionData derives the connection data of the next attempt from
// the current state. It returns nil when the tunnel is tearing down.
func (a *Actor) makeConnectionData(next relay.NextRelay, settings config.Settings, reason ReconnectReason) (*ConnectionData, error) {
	constraints := constraintsFrom(settings)

	a.mu.RLock()
	state := a.state.Clone()
	a.mu.RUnlock()

	fresh := ConnectionData{
		KeyPolicy:           KeyPolicy{Kind: UseCurrent},
		NetworkReachability: a.deps.PathObserver.CurrentPath().Status,
	}

	switch state.Kind {
	case Connecting, Reconnecting, NegotiatingKeyExchange, Connected:
		conn := *state.Conn
		if reason == ReasonConnectionLoss && state.Kind != Connected {
			conn.ConnectionAttemptCount++
		}
		sel, err := a.selectRelays(next, constraints, conn.ConnectionAttemptCount)
		if err != nil {
			return nil, err
		}
		conn.SelectedRelays = sel
		conn.CurrentKey = settings.PrivateKey
		conn.IsPostQuantum = settings.PostQuantum
		return &conn, nil
	case Error:
		b := state.Blocked
		fresh.KeyPolicy = b.KeyPolicy
		fresh.LastKeyRotation = b.LastKeyRotation
		fresh.NetworkReachability = b.NetworkReachability
	case Disconnecting, Disconnected:
		return nil, nil
	}

	sel, err := a.selectRelays(next, constraints, 0)
	if err != nil {
		return nil, err
	}
	fresh.SelectedRelays = sel
	fresh.CurrentKey = settings.PrivateKey
	fresh.IsPostQuantum = settings.PostQuantum
	return &fresh, nil
}

func (a *Actor) selectRelays(next relay.NextRelay, c relay.Constraints, attempt uint) (relay.Selected, error) {
	if sel, ok := next.Selected(); ok {
		return sel, nil
	}
	return a.deps.Selector.SelectRelays(c, attempt)
}

func (a *Actor) targetState() (Kind, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.state.Kind == NegotiatingKeyExchange && a.exchange != nil {
		return a.exchange.target, true
	}
	return targetStateForReconnect(a.state)
}

// setErrorState moves to the error state with reason and blocks traffic.
func (a *Actor) setErrorState(ctx context.Context, reason BlockedStateReason) {
	blocked := a.makeBlockedState(reason)
	if blocked == nil {
		return
	}
	a.cancelAttempt()
	a.deps.Monitor.Stop()
	a.setState(State{Kind: Error, Blocked: blocked})
	a.log.Warn("tunnel blocked", "reason", reason.String())

	// Applied before the device config, which may fail.
	if err := a.deps.Adapter.ApplyPolicy(tunnel.FirewallPolicy{Kind: tunnel.PolicyBlocked}); err != nil {
		a.log.Error("unable to apply the blocking firewall policy", "error", err)
	}

	var key config.Key
	settings, err := a.deps.Settings.Read()
	if err == nil {
		key = settings.PrivateKey
	}
	if err := a.deps.Adapter.Start(ctx, blockingConfig(settings, key)); err != nil {
		a.log.Error("unable to configure the tunnel for error state", "error", err)
	}

	if reason.Recoverable() {
		a.startRecovery()
	} else {
		a.stopRecovery()
	}
}

func (a *Actor) makeBlockedState(reason BlockedStateReason) *BlockedState {
	a.mu.RLock()
	state := a.state.Clone()
	a.mu.RUnlock()

	switch state.Kind {
	case Initial:
		return &BlockedState{
			Reason:              reason,
			KeyPolicy:           KeyPolicy{Kind: UseCurrent},
			NetworkReachability: a.deps.PathObserver.CurrentPath().Status,
			PriorState:          Initial,
		}
	case Connecting, Connected, Reconnecting, NegotiatingKeyExchange:
		prior := priorState(state.Kind)
		if state.Kind == NegotiatingKeyExchange && a.exchange != nil {
			prior = a.exchange.target
		}
		c := state.Conn
		return &BlockedState{
			Reason:              reason,
			KeyPolicy:           c.KeyPolicy,
			NetworkReachability: c.NetworkReachability,
			LastKeyRotation:     c.LastKeyRotation,
			CurrentKey:          c.CurrentKey,
			PriorState:          prior,
		}
	case Error:
		if state.Blocked.Reason == reason {
			return nil
		}
		b := *state.Blocked
		b.Reason = reason
		return &b
	default:
		return nil
	}
}

// cacheActiveKey keeps the key in use across a key rotation until
// KeyPropagationDelay has passed.
func (a *Actor) cacheActiveKey(lastKeyRotation time.Time) {
	a.mu.Lock()
	cached := false
	switch {
	case a.state.Conn != nil && a.state.Conn.KeyPolicy.Kind == UseCurrent:
		c := a.state.Conn
		if !lastKeyRotation.IsZero() {
			c.LastKeyRotation = lastKeyRotation
		}
		c.KeyPolicy = KeyPolicy{Kind: UsePrior, PriorKey: c.CurrentKey}
		c.CurrentKey = config.Key{}
		cached = true
	case a.state.Blocked != nil && a.state.Blocked.KeyPolicy.Kind == UseCurrent && !a.state.Blocked.CurrentKey.IsZero():
		b := a.state.Blocked
		if !lastKeyRotation.IsZero() {
			b.LastKeyRotation = lastKeyRotation
		}
		b.KeyPolicy = KeyPolicy{Kind: UsePrior, PriorKey: b.CurrentKey}
		b.CurrentKey = config.Key{}
		cached = true
	}
	a.mu.Unlock()

	if !cached {
		return
	}
	a.publish()
	a.log.Info("keeping prior key until rotation propagates", "delay", a.timings.KeyPropagationDelay)
	a.startKeySwitch()
}

func (a *Actor) startKeySwitch() {
	a.stopKeySwitch()
	stop := make(chan struct{})
	a.keySwitchC = stop
	a.keySwitch = time.AfterFunc(a.timings.KeyPropagationDelay, func() {
		select {
		case <-stop:
		default:
			a.Submit(SwitchKey{})
		}
	})
}

func (a *Actor) stopKeySwitch() {
	if a.keySwitch == nil {
		return
	}
	a.keySwitch.Stop()
	close(a.keySwitchC)
	a.keySwitch, a.keySwitchC = nil, nil
}

func (a *Actor) startRecovery() {
	if a.recovery != nil {
		return
	}
	ticker := time.NewTicker(a.timings.BlockedRecoveryInterval)
	stop := make(chan struct{})
	a.recovery, a.stopRecov = ticker, stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.Submit(Reconnect{NextRelay: relay.Random(), Reason: ReasonUserInitiated})
			}
		}
	}()
}

func (a *Actor) stopRecovery() {
	if a.recovery == nil {
		return
	}
	a.recovery.Stop()
	close(a.stopRecov)
	a.recovery, a.stopRecov = nil, nil
}

// cancelAttempt cancels the key exchange of the current attempt and starts
// a new attempt. Commands queued by the old attempt are dropped.
func (a *Actor) cancelAttempt() {
	a.attempt.Cancel()
	a.attempt = &cancel.Chain{}
	a.attemptID++
	a.exchange = nil
}

func (a *Actor) setState(s State) {
	if s.Kind != Error {
		a.stopRecovery()
	}
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.publish()
}

// publish notifies observers when the observed state changed.
func (a *Actor) publish() {
	a.mu.Lock()
	o := Observe(a.state)
	changed := o != a.observed
	a.observed = o
	a.mu.Unlock()

	if !changed {
		return
	}
	a.log.Debug("state changed", "state", o.State, "relay", o.Relay)
	for _, fn := range a.observers {
		fn(o)
	}
}

func (a *Actor) shutdown() {
	a.cancelAttempt()
	a.stopRecovery()
	a.stopKeySwitch()
}
