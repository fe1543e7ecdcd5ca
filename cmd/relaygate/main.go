// Command relaygate runs a WireGuard tunnel to a relay, with optional
// multihop routing and a post-quantum key exchange, and keeps it connected.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relaygate",
	Short: "WireGuard relay tunnel with post-quantum key exchange",
	Long: `relaygate connects this device to a WireGuard relay, optionally through
an entry relay, and keeps the tunnel up: it reconnects on connection loss,
blocks traffic while the tunnel cannot be established and upgrades the
tunnel with an ephemeral post-quantum key when enabled.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: $XDG_CONFIG_HOME/relaygate/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(reconnectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rotateKeyCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(responderCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relaygate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
