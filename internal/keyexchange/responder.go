package keyexchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/pkg/protocol"
)

// Registration is an ephemeral peer accepted by a Responder.
type Registration struct {
	SessionID          string
	DevicePublicKey    config.Key
	EphemeralPublicKey config.Key
	PresharedKey       config.Key
	Daita              bool
}

// ResponderConfig holds configuration for a Responder.
type ResponderConfig struct {
	// OnRegister installs the ephemeral peer. Returning an error rejects
	// the request.
	OnRegister func(Registration) error

	Logger *slog.Logger
}

// Responder is the relay side of the ephemeral peer negotiation, served
// as an http.Handler.
type Responder struct {
	cfg ResponderConfig
	log *slog.Logger
}

// NewResponder creates a Responder.
func NewResponder(cfg ResponderConfig) *Responder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		cfg: cfg,
		log: logger.With("component", "keyexchange-responder"),
	}
}

// ServeHTTP implements http.Handler. Each connection carries exactly one
// request and one reply.
func (rs *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		rs.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		rs.log.Warn("malformed request", "error", err)
		rs.reject(ctx, c, "", "malformed request")
		return
	}
	req, ok := msg.(*protocol.EphemeralPeerRequest)
	if !ok {
		rs.reject(ctx, c, "", fmt.Sprintf("unexpected %q message", msg.MessageType()))
		return
	}

	reply, err := rs.handle(req)
	if err != nil {
		rs.log.Info("rejecting ephemeral peer", "session", req.SessionID, "error", err)
		rs.reject(ctx, c, req.SessionID, err.Error())
		return
	}

	out, err := protocol.Marshal(reply)
	if err != nil {
		return
	}
	if err := c.Write(ctx, websocket.MessageText, out); err != nil {
		return
	}
	c.Close(websocket.StatusNormalClosure, "")
}

func (rs *Responder) handle(req *protocol.EphemeralPeerRequest) (*protocol.EphemeralPeerResponse, error) {
	if req.KEMAlgorithm != protocol.KEMKyber1024 {
		return nil, fmt.Errorf("unsupported KEM %q", req.KEMAlgorithm)
	}
	device, err := config.ParseKey(req.WGPublicKey)
	if err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}
	ephemeral, err := config.ParseKey(req.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}

	ct, psk, err := encapsulate(req.KEMPublicKey, ephemeral)
	if err != nil {
		return nil, err
	}

	if rs.cfg.OnRegister != nil {
		reg := Registration{
			SessionID:          req.SessionID,
			DevicePublicKey:    device,
			EphemeralPublicKey: ephemeral,
			PresharedKey:       psk,
			Daita:              req.Daita,
		}
		if err := rs.cfg.OnRegister(reg); err != nil {
			return nil, err
		}
	}

	return &protocol.EphemeralPeerResponse{SessionID: req.SessionID, KEMCiphertext: ct}, nil
}

func (rs *Responder) reject(ctx context.Context, c *websocket.Conn, sessionID, reason string) {
	data, err := protocol.Marshal(&protocol.ErrorMessage{SessionID: sessionID, Message: reason})
	if err != nil {
		return
	}
	_ = c.Write(ctx, websocket.MessageText, data)
	c.Close(websocket.StatusPolicyViolation, "rejected")
}
