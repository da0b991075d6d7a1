// Package v1 defines the HMS realtime protocol v1 contract.
//
// It is shared between the session agent and test servers to keep the wire format authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket handshake.
const Subprotocol = "hms.realtime.v1"

// CloseAuthExpired is the close code a server uses when the connection's token is no longer valid.
const CloseAuthExpired = 4401

// Control types (wire-stable). Any other non-empty type is a domain push.
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck accepts the hello (server -> client).
	TypeHelloAck = "hello_ack"
	// TypeAuthExpired asks the client to renew its credential (server -> client).
	TypeAuthExpired = "auth:expired"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if strings.ContainsAny(e.Type, " \t\r\n") {
		return fmt.Errorf("invalid type: %q", e.Type)
	}
	return nil
}

// IsControl reports whether typ is handled by the protocol layer rather than the application.
func IsControl(typ string) bool {
	switch typ {
	case TypeHello, TypeHelloAck, TypeAuthExpired, TypeError:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// HelloAuth carries the access token the connection is opened under.
type HelloAuth struct {
	Token string `json:"token"`
}

// HelloPayload is the first envelope on every connection: {"auth": {"token": "..."}}.
type HelloPayload struct {
	Auth HelloAuth `json:"auth"`
}

// HelloAckPayload identifies the server-side session.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	SubjectID string `json:"subject_id,omitempty"`
}

// AuthExpiredPayload explains why the server considers the credential expired.
type AuthExpiredPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
