package collector

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func recAt(id string, at time.Time) Record {
	return Record{ID: id, ProjectID: "p1", ReceivedAt: at}
}

func ids(recs []Record) map[string]bool {
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		out[r.ID] = true
	}
	return out
}

func TestRingAdd(t *testing.T) {
	base := time.Date(2025, 8, 24, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		at          time.Time
		expectAdded bool
		expectIndex int
	}{
		{name: "current minute", at: base, expectAdded: true, expectIndex: 0},
		{name: "one minute ago", at: base.Add(-time.Minute), expectAdded: true, expectIndex: WindowMinutes - 1},
		{name: "oldest bucket", at: base.Add(-(WindowMinutes - 1) * time.Minute), expectAdded: true, expectIndex: 1},
		{name: "outside window", at: base.Add(-WindowMinutes * time.Minute), expectAdded: false},
		{name: "future goes to current", at: base.Add(3 * time.Minute), expectAdded: true, expectIndex: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRing(base)
			r.add(base, recAt(tt.name, tt.at))

			if !tt.expectAdded {
				for i, b := range r.buckets {
					if len(b) != 0 {
						t.Errorf("expected no records, found %d in bucket %d", len(b), i)
					}
				}
				return
			}
			if len(r.buckets[tt.expectIndex]) != 1 {
				t.Fatalf("expected 1 record in bucket %d, got %d", tt.expectIndex, len(r.buckets[tt.expectIndex]))
			}
			if r.buckets[tt.expectIndex][0].ID != tt.name {
				t.Errorf("expected record %s, got %s", tt.name, r.buckets[tt.expectIndex][0].ID)
			}
		})
	}
}

func TestRingSince(t *testing.T) {
	base := time.Date(2025, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newRing(base)
	for _, rec := range []Record{
		recAt("now", base),
		recAt("5min", base.Add(-5*time.Minute)),
		recAt("10min", base.Add(-10*time.Minute)),
		recAt("25min", base.Add(-25*time.Minute)),
	} {
		r.add(base, rec)
	}

	tests := []struct {
		name     string
		start    int64
		expectOK bool
		expected []string
	}{
		{name: "whole window", start: toMinutesSinceEpoch(base.Add(-29 * time.Minute)), expectOK: true, expected: []string{"now", "5min", "10min", "25min"}},
		{name: "last ten minutes", start: toMinutesSinceEpoch(base.Add(-10 * time.Minute)), expectOK: true, expected: []string{"now", "5min", "10min"}},
		{name: "current minute", start: toMinutesSinceEpoch(base), expectOK: true, expected: []string{"now"}},
		{name: "older than window", start: toMinutesSinceEpoch(base.Add(-time.Hour)), expectOK: false},
		{name: "future", start: toMinutesSinceEpoch(base.Add(5 * time.Minute)), expectOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.since(base, tt.start)
			if ok != tt.expectOK {
				t.Fatalf("expected ok=%v, got %v", tt.expectOK, ok)
			}
			if !ok {
				return
			}
			if len(got) != len(tt.expected) {
				t.Errorf("expected %d records, got %d", len(tt.expected), len(got))
			}
			found := ids(got)
			for _, id := range tt.expected {
				if !found[id] {
					t.Errorf("expected record %s not found", id)
				}
			}
		})
	}
}

func TestRingRotatesWithClock(t *testing.T) {
	base := time.Date(2025, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newRing(base)
	r.add(base, recAt("old", base))

	later := base.Add(10 * time.Minute)
	r.add(later, recAt("new", later))

	got, ok := r.since(later, toMinutesSinceEpoch(base))
	if !ok {
		t.Fatal("expected window to cover start")
	}
	if found := ids(got); !found["old"] || !found["new"] {
		t.Errorf("expected both records, got %v", found)
	}

	// Once the old minute leaves the window its bucket is reused.
	much := base.Add(WindowMinutes * time.Minute)
	got, ok = r.since(much, toMinutesSinceEpoch(much)-(WindowMinutes-1))
	if !ok {
		t.Fatal("expected window to cover start")
	}
	if found := ids(got); found["old"] || !found["new"] {
		t.Errorf("expected only the new record, got %v", found)
	}

	// A gap longer than the window clears everything.
	gone := much.Add(2 * time.Hour)
	got, _ = r.since(gone, toMinutesSinceEpoch(gone))
	if len(got) != 0 {
		t.Errorf("expected empty ring after long gap, got %d", len(got))
	}
}

func TestRecentPerProject(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 8, 24, 12, 0, 0, 0, time.UTC)}
	recent := NewRecent(clock.Now)

	recent.Add(Record{ID: "a", ProjectID: "p1", ReceivedAt: clock.Now()})
	recent.Add(Record{ID: "b", ProjectID: "p2", ReceivedAt: clock.Now()})
	clock.Advance(2 * time.Minute)

	start := toMinutesSinceEpoch(clock.Now()) - 5
	got, ok := recent.Since("p1", start)
	if !ok || len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected [a] for p1, got %v (ok=%v)", got, ok)
	}
	if _, ok := recent.Since("p3", start); ok {
		t.Error("expected miss for unknown project")
	}
}
