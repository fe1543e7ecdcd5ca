package tunnel

import (
	"bufio"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
)

// Device wraps a wireguard-go device and its TUN interface.
type Device struct {
	tunDev tun.Device
	wgDev  *device.Device
	log    *slog.Logger
}

// NewDevice creates a WireGuard device on tunDev sending over bind. The
// device is down and unconfigured until Apply and Up.
func NewDevice(tunDev tun.Device, bind conn.Bind, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}

	wgLogger := &device.Logger{
		Verbosef: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "component", "wireguard")
		},
		Errorf: func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...), "component", "wireguard")
		},
	}

	return &Device{
		tunDev: tunDev,
		wgDev:  device.NewDevice(tunDev, bind, wgLogger),
		log:    logger,
	}
}

// Apply replaces the device key and peers.
func (d *Device) Apply(cfg Config) error {
	if err := d.wgDev.IpcSet(BuildUAPIConfig(cfg)); err != nil {
		return fmt.Errorf("configuring WireGuard device: %w", err)
	}
	return nil
}

// Up brings the device up.
func (d *Device) Up() error {
	if err := d.wgDev.Up(); err != nil {
		return fmt.Errorf("bringing up WireGuard device: %w", err)
	}
	return nil
}

// LastHandshake returns the most recent handshake with any peer, or the zero
// time if there has been none.
func (d *Device) LastHandshake() (time.Time, error) {
	uapi, err := d.wgDev.IpcGet()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading WireGuard device state: %w", err)
	}
	return parseLastHandshake(uapi)
}

// parseLastHandshake extracts the newest last_handshake_time from a UAPI
// get response.
func parseLastHandshake(uapi string) (time.Time, error) {
	var latest time.Time
	var sec int64

	sc := bufio.NewScanner(strings.NewReader(uapi))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "last_handshake_time_sec":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
			}
			sec = v
		case "last_handshake_time_nsec":
			nsec, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
			}
			if sec == 0 && nsec == 0 {
				continue
			}
			if t := time.Unix(sec, nsec); t.After(latest) {
				latest = t
			}
		}
	}
	return latest, sc.Err()
}

// Close shuts down the WireGuard device and closes the TUN interface.
func (d *Device) Close() {
	d.wgDev.Close()
	// Double-close on the TUN is harmless.
	if err := d.tunDev.Close(); err != nil {
		d.log.Debug("closing TUN device", "error", err)
	}
	d.log.Info("WireGuard device stopped")
}
