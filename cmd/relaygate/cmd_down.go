package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/relaygate/internal/control"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Disconnect the tunnel",
	Long: `Ask the running tunnel to disconnect. The 'relaygate up' process exits
once the tunnel has been torn down.`,
	RunE: runDown,
}

func runDown(cmd *cobra.Command, args []string) error {
	if err := control.Disconnect(control.ResolveSocketPath()); err != nil {
		return fmt.Errorf("is relaygate running? %w", err)
	}
	fmt.Fprintln(os.Stderr, "Disconnecting.")
	return nil
}
