package v1

import "encoding/json"

// PresenceAnnouncePayload announces a display label.
type PresenceAnnouncePayload struct {
	Label string `json:"label"`
}

// PresenceAckPayload acknowledges an announce.
type PresenceAckPayload struct {
	Label     string `json:"label"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ModuleActionPayload carries an opaque payload for the module named by Tag.
type ModuleActionPayload struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BotCommandPayload reports a matched chat command and its author.
type BotCommandPayload struct {
	Command  string `json:"command"`
	Username string `json:"username"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
