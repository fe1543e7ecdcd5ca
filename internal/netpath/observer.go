package netpath

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is how often the observer polls the interface list.
const DefaultInterval = 2 * time.Second

// ObserverConfig holds configuration for an Observer.
type ObserverConfig struct {
	// Interval between polls. Zero means DefaultInterval.
	Interval time.Duration

	// ExcludeInterface is ignored when evaluating the path, typically the
	// tunnel's own interface.
	ExcludeInterface string

	// Interfaces lists interfaces. Nil uses SystemInterfaces.
	Interfaces func() ([]Interface, error)

	Logger *slog.Logger
}

// Observer polls the host interfaces and reports path status changes.
type Observer struct {
	cfg ObserverConfig
	log *slog.Logger

	mu      sync.Mutex
	current Path
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewObserver creates an Observer. It does nothing until Start.
func NewObserver(cfg ObserverConfig) *Observer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interfaces == nil {
		cfg.Interfaces = SystemInterfaces
	}
	return &Observer{
		cfg: cfg,
		log: logger.With("component", "netpath"),
	}
}

// Start begins polling and calls handler with the first evaluated path and
// then on every status change. handler runs on the observer goroutine.
// Starting a running observer restarts it.
func (o *Observer) Start(handler func(Path)) {
	o.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.mu.Lock()
	o.cancel = cancel
	o.done = done
	o.current = Path{}
	o.mu.Unlock()

	go func() {
		defer close(done)
		o.run(ctx, handler)
	}()
}

// Stop ends polling and waits for the observer goroutine to exit. No
// handler call happens after Stop returns.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CurrentPath returns the last evaluated path.
func (o *Observer) CurrentPath() Path {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Observer) run(ctx context.Context, handler func(Path)) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	first := true
	for {
		o.poll(ctx, handler, first)
		first = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Observer) poll(ctx context.Context, handler func(Path), force bool) {
	ifaces, err := o.cfg.Interfaces()
	if err != nil {
		o.log.Warn("listing interfaces failed", "error", err)
		return
	}
	path := Evaluate(ifaces, o.cfg.ExcludeInterface)

	o.mu.Lock()
	changed := force || !path.Equal(o.current)
	o.current = path
	o.mu.Unlock()

	if !changed || ctx.Err() != nil {
		return
	}
	o.log.Debug("network path changed", "path", path.String())
	handler(path)
}
