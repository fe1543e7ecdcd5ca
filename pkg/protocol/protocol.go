// Package protocol defines the messages exchanged with a relay's ephemeral
// peer service while negotiating a post-quantum preshared key.
//
// All messages are JSON-encoded with a "type" discriminator field. The
// package has no external dependencies so relay-side tooling can import
// it on its own.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Path is the HTTP path of the ephemeral peer WebSocket endpoint.
const Path = "/v1/ephemeral-peer"

// Port is the TCP port relays serve the endpoint on, inside the tunnel.
const Port = 1337

// KEMKyber1024 identifies the Kyber-1024 key encapsulation mechanism.
const KEMKyber1024 = "Kyber1024"

// Message is the interface implemented by all negotiation messages.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "request").
	MessageType() string
}

// EphemeralPeerRequest is sent by the device over the tunnel to ask the
// relay to replace its peer entry with an ephemeral key.
type EphemeralPeerRequest struct {
	SessionID string `json:"sessionId"`

	// WGPublicKey is the device's current public key, identifying the peer
	// entry to replace.
	WGPublicKey string `json:"wgPublicKey"`

	// EphemeralPublicKey is the public half of the key the device will use
	// once the negotiation completes.
	EphemeralPublicKey string `json:"ephemeralPublicKey"`

	KEMAlgorithm string `json:"kemAlgorithm"`
	KEMPublicKey []byte `json:"kemPublicKey"`

	Daita bool `json:"daita,omitempty"`
}

func (EphemeralPeerRequest) MessageType() string { return "request" }

// EphemeralPeerResponse carries the KEM ciphertext from which both sides
// derive the preshared key.
type EphemeralPeerResponse struct {
	SessionID     string `json:"sessionId"`
	KEMCiphertext []byte `json:"kemCiphertext"`
}

func (EphemeralPeerResponse) MessageType() string { return "response" }

// ErrorMessage is sent by the relay when it rejects a request.
type ErrorMessage struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

func (ErrorMessage) MessageType() string { return "error" }

var messageTypes = map[string]func() Message{
	"request":  func() Message { return &EphemeralPeerRequest{} },
	"response": func() Message { return &EphemeralPeerResponse{} },
	"error":    func() Message { return &ErrorMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal decodes a JSON message into the concrete type named by its
// "type" field.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}
	return msg, nil
}
