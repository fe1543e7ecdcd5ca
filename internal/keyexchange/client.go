package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/pkg/protocol"
)

// ErrRejected is returned when the relay answers a request with an error.
var ErrRejected = errors.New("ephemeral peer request rejected")

const defaultRequestTimeout = 15 * time.Second

// ClientConfig holds configuration for a Client.
type ClientConfig struct {
	// Endpoint returns the WebSocket URL of a relay's ephemeral peer
	// service. Nil uses ws://<gateway>:1337/v1/ephemeral-peer.
	Endpoint func(relay.Relay) string

	// RequestTimeout bounds one negotiation attempt. Zero means 15s.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Options are the per-negotiation settings sent to the relay.
type Options struct {
	// Daita asks the relay to enable DAITA for the ephemeral peer.
	Daita bool
}

// Client negotiates ephemeral peers with relays over WebSocket, using
// Kyber-1024 to agree on a preshared key.
type Client struct {
	cfg ClientConfig
	log *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == nil {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Client{
		cfg: cfg,
		log: logger.With("component", "keyexchange"),
	}
}

// DefaultEndpoint returns the ephemeral peer URL at the relay's gateway.
func DefaultEndpoint(r relay.Relay) string {
	host := net.JoinHostPort(r.Gateway.String(), strconv.Itoa(protocol.Port))
	return "ws://" + host + protocol.Path
}

// Negotiate registers a fresh ephemeral key with the relay, authenticated
// by the device key currently configured on the tunnel. It returns the
// preshared key and the ephemeral private key to switch to.
func (c *Client) Negotiate(ctx context.Context, r relay.Relay, devicePrivateKey config.Key, opts Options) (psk, ephemeral config.Key, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ephemeral, err = config.GeneratePrivateKey()
	if err != nil {
		return config.Key{}, config.Key{}, err
	}
	ephemeralPublic := config.PublicKey(ephemeral)

	scheme := kemScheme()
	kemPub, kemPriv, err := scheme.GenerateKeyPair()
	if err != nil {
		return config.Key{}, config.Key{}, fmt.Errorf("generating KEM key pair: %w", err)
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return config.Key{}, config.Key{}, fmt.Errorf("marshaling KEM public key: %w", err)
	}

	url := c.cfg.Endpoint(r)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return config.Key{}, config.Key{}, fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.CloseNow()

	sessionID := uuid.NewString()
	req := &protocol.EphemeralPeerRequest{
		SessionID:          sessionID,
		WGPublicKey:        config.PublicKey(devicePrivateKey).String(),
		EphemeralPublicKey: ephemeralPublic.String(),
		KEMAlgorithm:       protocol.KEMKyber1024,
		KEMPublicKey:       kemPubBytes,
		Daita:              opts.Daita,
	}
	data, err := protocol.Marshal(req)
	if err != nil {
		return config.Key{}, config.Key{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return config.Key{}, config.Key{}, fmt.Errorf("sending request: %w", err)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		return config.Key{}, config.Key{}, fmt.Errorf("reading response: %w", err)
	}
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		return config.Key{}, config.Key{}, err
	}

	var resp *protocol.EphemeralPeerResponse
	switch m := msg.(type) {
	case *protocol.EphemeralPeerResponse:
		resp = m
	case *protocol.ErrorMessage:
		return config.Key{}, config.Key{}, fmt.Errorf("%w: %s", ErrRejected, m.Message)
	default:
		return config.Key{}, config.Key{}, fmt.Errorf("unexpected %q message", msg.MessageType())
	}
	if resp.SessionID != sessionID {
		return config.Key{}, config.Key{}, fmt.Errorf("response for session %q, want %q", resp.SessionID, sessionID)
	}

	ss, err := scheme.Decapsulate(kemPriv, resp.KEMCiphertext)
	if err != nil {
		return config.Key{}, config.Key{}, fmt.Errorf("decapsulating: %w", err)
	}
	psk, err = derivePresharedKey(ss, ephemeralPublic)
	if err != nil {
		return config.Key{}, config.Key{}, err
	}

	conn.Close(websocket.StatusNormalClosure, "")
	c.log.Debug("ephemeral peer negotiated", "relay", r.Hostname, "session", sessionID)
	return psk, ephemeral, nil
}
