package realtime

import "github.com/google/uuid"

// NewConnectionID returns the id assigned to an accepted websocket connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns the id stamped on server-originated envelopes.
func NewEnvelopeID() string {
	return uuid.NewString()
}
