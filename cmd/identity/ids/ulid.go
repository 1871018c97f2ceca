// Package ids provides the identifier primitives (ULID) used for presence sessions.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well as short-lived map keys.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Generator produces session ids from a monotonic entropy source.
//
// Ids created within the same millisecond are strictly increasing, so a burst of
// creations never yields correlated or equal values. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator constructs a Generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New returns a fresh id. It never fails.
func (g *Generator) New() string {
	if g == nil {
		return fallback(time.Now())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ts := ulid.Timestamp(g.now())
	id, err := ulid.New(ts, g.entropy)
	if err != nil {
		// Monotonic overflow within one millisecond, or a failed entropy read: reseed.
		g.entropy = ulid.Monotonic(rand.Reader, 0)
		return fallback(g.now())
	}
	return id.String()
}

func fallback(now time.Time) string {
	if id, err := NewULID(now); err == nil {
		return id
	}
	return ulid.Make().String()
}
