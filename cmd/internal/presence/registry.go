// Package presence owns the in-memory Session Registry.
//
// A Session is a time-bounded presence record: it exists from Add until its TTL
// elapses. Expiry is driven by one retained timer per entry; an optional periodic
// sweep reconciles stragglers. All registry operations are mutually atomic.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"roster/cmd/identity/ids"
	"roster/cmd/internal/metrics"

	"github.com/jonboulle/clockwork"
)

// DefaultTTL is how long a session stays in the registry after creation.
const DefaultTTL = 5 * time.Minute

// Removal reasons carried on EventRemoved.
const (
	ReasonExpired = "expired"
	ReasonSwept   = "swept"
	ReasonRemoved = "removed"
)

// Session is an immutable presence record.
type Session struct {
	ID        string
	Label     string
	CreatedAt time.Time
}

// IDGenerator produces session ids.
type IDGenerator interface {
	New() string
}

type entry struct {
	session Session
	timer   clockwork.Timer
}

// Registry is a keyed store of active sessions with timed auto-expiry.
type Registry struct {
	log      *slog.Logger
	clock    clockwork.Clock
	ttl      time.Duration
	gen      IDGenerator
	observer func(Event)
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for timestamps and expiry timers.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithIDGenerator sets the session id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Registry) {
		if g != nil {
			r.gen = g
		}
	}
}

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithObserver registers a callback invoked after every add/remove.
// It runs outside the registry lock; panics are recovered and logged.
func WithObserver(fn func(Event)) Option {
	return func(r *Registry) { r.observer = fn }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:      slog.Default(),
		clock:    clockwork.NewRealClock(),
		ttl:      DefaultTTL,
		gen:      ids.NewGenerator(),
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// TTL returns the configured expiry duration.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Add inserts a new session for label and schedules its expiry.
// The returned id is never one that is currently present.
func (r *Registry) Add(label string) string {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	id := r.gen.New()
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = r.gen.New()
	}

	e := &entry{session: Session{ID: id, Label: label, CreatedAt: now}}
	r.sessions[id] = e
	e.timer = r.clock.AfterFunc(r.ttl, func() { r.expire(id) })
	r.mu.Unlock()

	r.emit(Event{Kind: EventAdded, Session: e.session, At: now})
	return id
}

// Remove deletes the session with id. It reports whether a removal occurred;
// absent ids are a no-op.
func (r *Registry) Remove(id string) bool {
	return r.remove(id, ReasonRemoved)
}

func (r *Registry) expire(id string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("presence.expire.panic", "session_id", id, "panic", rec)
		}
	}()
	r.remove(id, ReasonExpired)
}

func (r *Registry) remove(id, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.emit(Event{Kind: EventRemoved, Session: e.session, At: r.clock.Now().UTC(), Reason: reason})
	return true
}

// Get returns a snapshot of the session with id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns all active sessions ordered by creation time, then id.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close stops every pending expiry timer. Entries are left in place and no
// removal events are emitted.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.sessions {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func (r *Registry) emit(ev Event) {
	switch ev.Kind {
	case EventAdded:
		r.metrics.SessionAdded()
		r.log.Info("presence.session.added",
			"session_id", ev.Session.ID,
			"label", ev.Session.Label,
		)
	case EventRemoved:
		r.metrics.SessionRemoved(ev.Reason)
		r.log.Info("presence.session.removed",
			"session_id", ev.Session.ID,
			"label", ev.Session.Label,
			"reason", ev.Reason,
			"age", ev.At.Sub(ev.Session.CreatedAt),
		)
	}

	if r.observer == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("presence.observer.panic", "kind", ev.Kind.String(), "panic", rec)
		}
	}()
	r.observer(ev)
}
