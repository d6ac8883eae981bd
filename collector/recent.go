package collector

import (
	"sync"
	"time"
)

const WindowMinutes = 30

// ring holds WindowMinutes one-minute buckets of records. Buckets are
// rotated lazily from the clock on every access instead of by a ticker.
type ring struct {
	mu           sync.RWMutex
	buckets      [WindowMinutes][]Record
	currentIndex int
	lastMinute   time.Time
}

func newRing(now time.Time) *ring {
	return &ring{lastMinute: now.UTC().Truncate(time.Minute)}
}

// advance rotates the ring forward to now. Must be called with mu held.
func (r *ring) advance(now time.Time) {
	now = now.UTC().Truncate(time.Minute)
	steps := int(now.Sub(r.lastMinute) / time.Minute)
	if steps <= 0 {
		return
	}
	if steps >= WindowMinutes {
		r.buckets = [WindowMinutes][]Record{}
		r.currentIndex = 0
		r.lastMinute = now
		return
	}
	for i := 0; i < steps; i++ {
		r.currentIndex = (r.currentIndex + 1) % WindowMinutes
		r.buckets[r.currentIndex] = nil
	}
	r.lastMinute = now
}

func (r *ring) add(now time.Time, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance(now)

	at := rec.ReceivedAt.UTC().Truncate(time.Minute)
	if at.Before(r.lastMinute.Add(-(WindowMinutes - 1) * time.Minute)) {
		return
	}
	if at.After(r.lastMinute) {
		at = r.lastMinute
	}
	diff := int(r.lastMinute.Sub(at) / time.Minute)
	idx := (r.currentIndex - diff + WindowMinutes) % WindowMinutes
	r.buckets[idx] = append(r.buckets[idx], rec)
}

// since returns the records received at or after startMinutes, newest
// bucket first. ok is false when the window does not cover startMinutes.
func (r *ring) since(now time.Time, startMinutes int64) ([]Record, bool) {
	r.mu.Lock()
	r.advance(now)
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	last := toMinutesSinceEpoch(r.lastMinute)
	if startMinutes < last-(WindowMinutes-1) || startMinutes > last {
		return nil, false
	}
	out := make([]Record, 0)
	for i := 0; i < WindowMinutes; i++ {
		if last-int64(i) < startMinutes {
			break
		}
		idx := (r.currentIndex - i + WindowMinutes) % WindowMinutes
		for _, rec := range r.buckets[idx] {
			if toMinutesSinceEpoch(rec.ReceivedAt) >= startMinutes {
				out = append(out, rec)
			}
		}
	}
	return out, true
}

// Recent keeps a ring per project.
type Recent struct {
	clock func() time.Time
	mu    sync.RWMutex
	rings map[string]*ring
}

func NewRecent(clock func() time.Time) *Recent {
	if clock == nil {
		clock = time.Now
	}
	return &Recent{clock: clock, rings: make(map[string]*ring)}
}

func (c *Recent) Add(rec Record) {
	c.mu.Lock()
	r, ok := c.rings[rec.ProjectID]
	if !ok {
		r = newRing(c.clock())
		c.rings[rec.ProjectID] = r
	}
	c.mu.Unlock()
	r.add(c.clock(), rec)
}

// Since reports false when the project has no ring or startMinutes falls
// outside the window, in which case the caller reads from disk.
func (c *Recent) Since(projectID string, startMinutes int64) ([]Record, bool) {
	c.mu.RLock()
	r, ok := c.rings[projectID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.since(c.clock(), startMinutes)
}

func toMinutesSinceEpoch(t time.Time) int64 {
	return t.Unix() / 60
}

func fromMinutesSinceEpoch(minutes int64) time.Time {
	return time.Unix(minutes*60, 0).UTC()
}
