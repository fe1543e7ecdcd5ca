package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/pkg/protocol"
)

var responderAddr string

var responderCmd = &cobra.Command{
	Use:   "responder",
	Short: "Serve the relay side of the ephemeral peer negotiation",
	Long: `Run the relay side of the post-quantum key exchange for testing relays.

Each accepted ephemeral peer is written to stdout as one JSON object with
the device public key, the ephemeral public key and the preshared key,
ready to be installed on the relay's WireGuard interface.

Example:
  relaygate responder --addr 10.64.0.1:1337 | ./install-peers.sh`,
	RunE: runResponder,
}

func init() {
	responderCmd.Flags().StringVar(&responderAddr, "addr", fmt.Sprintf(":%d", protocol.Port), "listen address")
}

// registrationLine is the stdout record of one accepted ephemeral peer.
type registrationLine struct {
	SessionID          string `json:"session_id"`
	DevicePublicKey    string `json:"device_public_key"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	PresharedKey       string `json:"preshared_key"`
	Daita              bool   `json:"daita,omitempty"`
}

func runResponder(cmd *cobra.Command, args []string) error {
	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)

	responder := keyexchange.NewResponder(keyexchange.ResponderConfig{
		OnRegister: func(r keyexchange.Registration) error {
			mu.Lock()
			defer mu.Unlock()
			return enc.Encode(registrationLine{
				SessionID:          r.SessionID,
				DevicePublicKey:    r.DevicePublicKey.String(),
				EphemeralPublicKey: r.EphemeralPublicKey.String(),
				PresharedKey:       r.PresharedKey.String(),
				Daita:              r.Daita,
			})
		},
		Logger: globalLogger,
	})

	mux := http.NewServeMux()
	mux.Handle(protocol.Path, responder)
	srv := &http.Server{
		Addr:    responderAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		globalLogger.Info("shutting down")
		if err := srv.Close(); err != nil {
			globalLogger.Error("server close", "error", err)
		}
	}()

	globalLogger.Info("ephemeral peer responder listening", "addr", responderAddr, "path", protocol.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
