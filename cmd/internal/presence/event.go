package presence

import "time"

// EventKind identifies a registry lifecycle transition.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is emitted after a session is added or removed.
type Event struct {
	Kind    EventKind
	Session Session
	At      time.Time

	// Reason is set on EventRemoved only.
	Reason string
}
