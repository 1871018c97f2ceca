package presence

import (
	"context"
	"time"
)

// Sweep evicts every session whose age at now is at least the TTL and returns
// how many were removed. It reconciles entries whose timers fired late or were
// stopped by Close.
func (r *Registry) Sweep(now time.Time) int {
	var stale []*entry

	r.mu.Lock()
	for id, e := range r.sessions {
		if now.Sub(e.session.CreatedAt) < r.ttl {
			continue
		}
		delete(r.sessions, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		stale = append(stale, e)
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.emit(Event{Kind: EventRemoved, Session: e.session, At: now, Reason: ReasonSwept})
	}
	return len(stale)
}

// RunSweeper calls Sweep every interval until ctx is done.
// A non-positive interval disables sweeping and returns immediately.
func (r *Registry) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := r.clock.NewTicker(every)
	defer t.Stop()

	r.log.Info("presence.sweeper.start", "interval", every)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("presence.sweeper.stop")
			return
		case <-t.Chan():
			if n := r.Sweep(r.clock.Now().UTC()); n > 0 {
				r.log.Debug("presence.sweeper.evicted", "count", n)
			}
		}
	}
}
