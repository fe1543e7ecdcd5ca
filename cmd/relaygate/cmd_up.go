package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/relaygate/internal/actor"
	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/control"
	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/internal/monitor"
	"github.com/kuuji/relaygate/internal/netpath"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/tunnel"
)

// shutdownTimeout bounds how long "up" waits for the tunnel to tear down
// after a signal.
const shutdownTimeout = 10 * time.Second

var (
	upRelay      string
	upEntryRelay string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect the tunnel",
	Long: `Start the tunnel in the foreground and keep it connected until
interrupted. The config file is re-read on every connection attempt.

Requires root privileges for TUN device creation:
  sudo relaygate up

Use 'relaygate status', 'relaygate reconnect' and 'relaygate down' from
another terminal to inspect and steer the running tunnel.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upRelay, "relay", "", "connect to this relay hostname instead of selecting one")
	upCmd.Flags().StringVar(&upEntryRelay, "entry", "", "entry relay hostname for a multihop connection (requires --relay)")
}

func runUp(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	relays, err := relay.FromConfig(cfg.Relays)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(relays) == 0 {
		return fmt.Errorf("invalid config: no [[relays]] configured")
	}
	opts, err := startOptions(relays, upRelay, upEntryRelay)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ifName := cfg.Tunnel.InterfaceName
	if ifName == "" {
		ifName = tunnel.DefaultTUNName
	}
	adapter := tunnel.NewAdapter(tunnel.AdapterConfig{
		InterfaceName: ifName,
		MTU:           cfg.Tunnel.MTU,
		Logger:        globalLogger,
	})
	deps := actor.Deps{
		Selector: relay.FileSelector{Path: cfgPath},
		PathObserver: netpath.NewObserver(netpath.ObserverConfig{
			ExcludeInterface: ifName,
			Logger:           globalLogger,
		}),
		Monitor: monitor.New(monitor.Config{
			Source: adapter,
			Logger: globalLogger,
		}),
		Adapter:  adapter,
		Settings: config.FileSettingsReader{Path: cfgPath},
		Negotiator: keyexchange.NewClient(keyexchange.ClientConfig{
			Logger: globalLogger,
		}),
	}

	stopped := make(chan struct{})
	a := actor.New(deps,
		actor.WithLogger(globalLogger),
		// Timings are fixed for the life of the process. Settings, relays
		// and DAITA are re-read from the config on every attempt.
		actor.WithTimings(actor.Timings{
			BlockedRecoveryInterval: settings.BlockedRecoveryInterval,
			KeyPropagationDelay:     settings.KeyPropagationDelay,
		}),
		actor.WithStateObserver(func(o actor.ObservedState) {
			logState(o)
			if o.State == actor.Disconnected.String() {
				select {
				case <-stopped:
				default:
					close(stopped)
				}
			}
		}),
	)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	a.Start(runCtx)

	srv := control.NewServer(control.ResolveSocketPath(), a, globalLogger)
	if err := srv.Start(); err != nil {
		globalLogger.Warn("control server unavailable", "error", err)
	} else {
		defer srv.Stop()
	}

	globalLogger.Info("starting relaygate", "config", cfgPath, "interface", ifName)
	a.Submit(actor.Start{Options: opts})

	select {
	case <-ctx.Done():
		globalLogger.Info("shutting down")
		a.Submit(actor.Stop{})
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			globalLogger.Warn("tunnel did not stop in time")
		}
	case <-stopped:
		// Stopped through the control socket.
	}

	cancelRun()
	a.Wait()

	// A no-op unless the tunnel did not stop in time.
	if err := adapter.Stop(); err != nil {
		globalLogger.Error("stopping tunnel", "error", err)
	}

	globalLogger.Info("relaygate stopped")
	return nil
}

// startOptions resolves the --relay and --entry flags against the relay list.
func startOptions(relays []relay.Relay, exit, entry string) (actor.StartOptions, error) {
	if exit == "" {
		if entry != "" {
			return actor.StartOptions{}, fmt.Errorf("--entry requires --relay")
		}
		return actor.StartOptions{}, nil
	}

	find := func(hostname string) (relay.Relay, error) {
		for _, r := range relays {
			if r.Hostname == hostname {
				return r, nil
			}
		}
		return relay.Relay{}, fmt.Errorf("relay %q is not in the config", hostname)
	}

	sel := relay.Selected{}
	r, err := find(exit)
	if err != nil {
		return actor.StartOptions{}, err
	}
	sel.Exit = r
	if entry != "" {
		e, err := find(entry)
		if err != nil {
			return actor.StartOptions{}, err
		}
		if e.Hostname == r.Hostname {
			return actor.StartOptions{}, relay.ErrMultihopEntryEqualsExit
		}
		sel.Entry = &e
	}
	return actor.StartOptions{SelectedRelays: &sel}, nil
}

func logState(o actor.ObservedState) {
	attrs := []any{"state", o.State}
	if o.Relay != "" {
		attrs = append(attrs, "relay", o.Relay)
	}
	if o.Progress != "" {
		attrs = append(attrs, "progress", o.Progress)
	}
	if o.BlockedReason != "" {
		globalLogger.Warn(o.BlockedMessage, append(attrs, "reason", o.BlockedReason)...)
		if o.BlockedReason == actor.ReasonTunnelAdapter.String() {
			globalLogger.Warn("TUN device creation requires root privileges; run: sudo relaygate up")
		}
		return
	}
	globalLogger.Info("tunnel state", attrs...)
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
