package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/control"
)

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Reconnect the tunnel to a newly selected relay",
	Long: `Ask the running tunnel to reconnect. A new relay is selected from the
config, which is re-read first. A blocked tunnel retries immediately.`,
	RunE: runReconnect,
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Replace the device private key",
	Long: `Generate a new device private key, write it to the config file and tell
the running tunnel about the rotation. The tunnel keeps using the previous
key until the new one has propagated to the relays (see
timings.key_propagation_delay), then reconnects with the new key.

The new public key is printed to stdout; register it with your relays.`,
	RunE: runRotateKey,
}

func runReconnect(cmd *cobra.Command, args []string) error {
	if err := control.Reconnect(control.ResolveSocketPath()); err != nil {
		return fmt.Errorf("is relaygate running? %w", err)
	}
	fmt.Fprintln(os.Stderr, "Reconnecting.")
	return nil
}

func runRotateKey(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	cfg.Device.PrivateKey = privKey
	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Println(config.PublicKey(privKey).String())

	if err := control.NotifyKeyRotated(control.ResolveSocketPath(), time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "Key saved; the tunnel was not notified (%v).\n", err)
		return nil
	}
	fmt.Fprintln(os.Stderr, "Key saved; the running tunnel switches to it after the propagation delay.")
	return nil
}
