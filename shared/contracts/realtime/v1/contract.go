// Package v1 defines the roster realtime protocol v1 contract.
//
// It is shared between the server and clients (smoke tool, tests) so the wire
// protocol stays authoritative in one place.
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

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "roster.realtime.v1"

// Type constants (wire-stable).
const (
	// TypePresenceAnnounce registers a presence session (client -> server).
	TypePresenceAnnounce = "presence_announce"
	// TypePresenceAck acknowledges an announce to its sender only (server -> client).
	TypePresenceAck = "presence_ack"

	// TypeModuleAction routes a payload to a module by tag (client -> server). No reply.
	TypeModuleAction = "module_action"

	// TypeBotCommand is broadcast to every connection when a chat command matched.
	TypeBotCommand = "bot_command"

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

	switch e.Type {
	case TypePresenceAnnounce,
		TypePresenceAck,
		TypeModuleAction,
		TypeBotCommand,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
