package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kuuji/relaygate/internal/actor"
	"github.com/kuuji/relaygate/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tunnel status",
	Long:  `Query the running tunnel and display its state, relay, network reachability and, when blocked, the reason.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is relaygate running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "%s      %s\n", styleKey.Render("State:"), stateStyle(status.State).Render(status.State))
	if status.Relay != "" {
		fmt.Fprintf(os.Stdout, "%s      %s\n", styleKey.Render("Relay:"), status.Relay)
	}
	fmt.Fprintf(os.Stdout, "%s    %s\n", styleKey.Render("Network:"), status.Reachability)
	if status.PostQuantum {
		fmt.Fprintf(os.Stdout, "%s    %s\n", styleKey.Render("Quantum:"), "post-quantum key exchange")
	}
	if status.Progress != "" {
		fmt.Fprintf(os.Stdout, "%s   %s\n", styleKey.Render("Exchange:"), status.Progress)
	}
	if status.Attempt > 0 {
		fmt.Fprintf(os.Stdout, "%s    %d\n", styleKey.Render("Attempt:"), status.Attempt)
	}
	fmt.Fprintf(os.Stdout, "%s     %s\n", styleKey.Render("Uptime:"), formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))

	if status.BlockedReason != "" {
		fmt.Println()
		fmt.Fprintf(os.Stdout, "%s\n", styleHeader.Render("Traffic is blocked:"))
		fmt.Fprintf(os.Stdout, "  %s\n", status.BlockedMessage)
	}
	return nil
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case actor.Connected.String():
		return styleActive
	case actor.Error.String():
		return styleBlocked
	default:
		return stylePending
	}
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
