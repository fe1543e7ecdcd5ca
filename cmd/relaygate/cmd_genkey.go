package main

import (
	"fmt"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/relaygate/internal/config"
)

var genkeyQR bool

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new WireGuard private key",
	Long: `Generate a new Curve25519 private key suitable for WireGuard.
The private key is printed to stdout as base64. The corresponding
public key is printed to stderr.

Example:
  relaygate genkey                    # print private key
  relaygate genkey 2>/dev/null        # private key only (pipe-friendly)
  relaygate genkey --qr               # also show the public key as a QR code`,
	RunE: runGenkey,
}

func init() {
	genkeyCmd.Flags().BoolVar(&genkeyQR, "qr", false, "print the public key as a QR code on stderr")
}

func runGenkey(cmd *cobra.Command, args []string) error {
	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	pubKey := config.PublicKey(privKey)

	// Private key to stdout (pipe-friendly).
	fmt.Fprintln(cmd.OutOrStdout(), privKey.String())

	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", pubKey.String())
	if genkeyQR {
		qr, err := qrcode.New(pubKey.String(), qrcode.Medium)
		if err != nil {
			return fmt.Errorf("generating QR code: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), qr.ToSmallString(false))
	}

	return nil
}
