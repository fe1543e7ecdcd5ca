package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/relaygate/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new configuration file",
	Long: `Interactive setup: generates a device key and writes a config file with
the tunnel addresses, DNS servers and connection preferences.

Relays are not part of the form; add them as [[relays]] tables to the
written file. If a config file already exists at the target path, you
will be asked before overwriting it.`,
	RunE: runInit,
}

// initAnswers holds the values collected by the init form.
type initAnswers struct {
	Name        string
	Addresses   string
	DNS         string
	Location    string
	PostQuantum bool
	Multihop    bool
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Config file already exists: %s", cfgPath)).
				Description("Overwrite it? The current device key will be lost.").
				Value(&overwrite),
		)).WithTheme(customHuhTheme())
		if err := confirm.Run(); err != nil {
			return fmt.Errorf("form cancelled: %w", err)
		}
		if !overwrite {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	hostname, _ := os.Hostname()
	answers := initAnswers{Name: hostname}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Device name").
				Value(&answers.Name),
			huh.NewInput().
				Title("Tunnel addresses").
				Description("Comma-separated CIDRs assigned by your relay operator, e.g. 10.64.0.2/32").
				Value(&answers.Addresses).
				Validate(func(s string) error {
					_, err := parsePrefixes(s)
					return err
				}),
			huh.NewInput().
				Title("DNS servers").
				Description("Comma-separated resolver addresses reachable through the tunnel (optional)").
				Value(&answers.DNS).
				Validate(func(s string) error {
					_, err := parseAddrs(s)
					return err
				}),
			huh.NewInput().
				Title("Location").
				Description("Restrict exit relays to a location prefix such as se or se-got (optional)").
				Value(&answers.Location),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Post-quantum key exchange").
				Description("Upgrade every connection with an ephemeral Kyber-negotiated key").
				Value(&answers.PostQuantum),
			huh.NewConfirm().
				Title("Multihop").
				Description("Route traffic through an entry relay before the exit relay").
				Value(&answers.Multihop),
		),
	).WithTheme(customHuhTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("form cancelled: %w", err)
	}

	cfg, err := buildConfig(answers)
	if err != nil {
		return err
	}
	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\n%s %s\n", styleKey.Render("Config written to:"), cfgPath)
	fmt.Fprintf(os.Stderr, "%s        %s\n", styleKey.Render("Public key:"), config.PublicKey(cfg.Device.PrivateKey).String())
	fmt.Fprintln(os.Stderr, "\nRegister the public key with your relays and add them as [[relays]].")
	fmt.Fprintln(os.Stderr, "Run 'sudo relaygate up' to connect.")
	return nil
}

// buildConfig turns the form answers into a config with a fresh device key.
func buildConfig(a initAnswers) (*config.Config, error) {
	addrs, err := parsePrefixes(a.Addresses)
	if err != nil {
		return nil, err
	}
	dns, err := parseAddrs(a.DNS)
	if err != nil {
		return nil, err
	}

	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Device.Name = strings.TrimSpace(a.Name)
	cfg.Device.PrivateKey = privKey
	for _, p := range addrs {
		cfg.Device.Addresses = append(cfg.Device.Addresses, p.String())
	}
	for _, d := range dns {
		cfg.Device.DNS = append(cfg.Device.DNS, d.String())
	}
	cfg.Tunnel.Location = strings.TrimSpace(a.Location)
	cfg.Tunnel.PostQuantum = a.PostQuantum
	cfg.Tunnel.Multihop = a.Multihop
	return cfg, nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parsePrefixes(s string) ([]netip.Prefix, error) {
	fields := splitList(s)
	if len(fields) == 0 {
		return nil, errors.New("at least one address is required")
	}
	out := make([]netip.Prefix, 0, len(fields))
	for _, f := range fields {
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: expected CIDR notation", f)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseAddrs(s string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, f := range splitList(s) {
		a, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", f)
		}
		out = append(out, a)
	}
	return out, nil
}
