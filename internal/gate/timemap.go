package gate

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Anchor pairs a wall-clock offset with the provider-clock offset reached at
// that instant. Both are relative to the start of the session audio.
type Anchor struct {
	Wall     time.Duration
	Provider time.Duration
}

// TimeMap translates provider-relative timestamps back to wall-clock-relative
// time. Anchors are appended by the gate as audio is forwarded or suppressed;
// lookups may run concurrently from the transcript pump.
//
// Between two anchors the mapping is linear. Past the last anchor it advances
// one-for-one with provider time. Results never leave
// [first anchor wall, current wall].
type TimeMap struct {
	mu      sync.RWMutex
	anchors []Anchor
	now     time.Duration

	violations  int
	onViolation func()
	log         *slog.Logger
}

// NewTimeMap returns an empty map. onViolation, when non-nil, is called each
// time an anchor is rejected.
func NewTimeMap(log *slog.Logger, onViolation func()) *TimeMap {
	if log == nil {
		log = slog.Default()
	}
	return &TimeMap{log: log, onViolation: onViolation}
}

// Add appends a. An anchor that would move either clock backwards is dropped
// and counted; an exact repeat of the last anchor is ignored.
func (m *TimeMap) Add(a Anchor) bool {
	m.mu.Lock()
	if n := len(m.anchors); n > 0 {
		last := m.anchors[n-1]
		if a == last {
			m.mu.Unlock()
			return false
		}
		if a.Wall < last.Wall || a.Provider < last.Provider {
			m.violations++
			cb := m.onViolation
			m.mu.Unlock()
			m.log.Warn("timemap: dropping non-monotonic anchor",
				"wall", a.Wall, "provider", a.Provider,
				"last_wall", last.Wall, "last_provider", last.Provider)
			if cb != nil {
				cb()
			}
			return false
		}
	}
	m.anchors = append(m.anchors, a)
	if a.Wall > m.now {
		m.now = a.Wall
	}
	m.mu.Unlock()
	return true
}

// Advance records the wall offset of the newest received audio. It never
// moves backwards.
func (m *TimeMap) Advance(wall time.Duration) {
	m.mu.Lock()
	if wall > m.now {
		m.now = wall
	}
	m.mu.Unlock()
}

// Last returns the most recent anchor.
func (m *TimeMap) Last() (Anchor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.anchors) == 0 {
		return Anchor{}, false
	}
	return m.anchors[len(m.anchors)-1], true
}

// Anchors returns a copy of the anchor list.
func (m *TimeMap) Anchors() []Anchor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Anchor, len(m.anchors))
	copy(out, m.anchors)
	return out
}

// Violations returns the number of anchors rejected so far.
func (m *TimeMap) Violations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.violations
}

// WallRel maps a provider offset to a wall offset.
func (m *TimeMap) WallRel(p time.Duration) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.anchors) == 0 {
		return min(max(p, 0), m.now)
	}
	first := m.anchors[0]

	// Last anchor whose provider offset is <= p.
	i := sort.Search(len(m.anchors), func(i int) bool {
		return m.anchors[i].Provider > p
	}) - 1

	var w time.Duration
	switch {
	case i < 0:
		w = first.Wall
	case i == len(m.anchors)-1:
		a := m.anchors[i]
		w = a.Wall + (p - a.Provider)
	default:
		a, b := m.anchors[i], m.anchors[i+1]
		// b.Provider > p >= a.Provider, so the span is non-zero.
		span := float64(b.Provider - a.Provider)
		w = a.Wall + time.Duration(float64(p-a.Provider)*float64(b.Wall-a.Wall)/span)
	}
	return min(max(w, first.Wall), m.now)
}

// WallRelEnd maps the end of a provider span. A suppression leaves two
// anchors at the same provider offset, one where audio stopped and one where
// it resumed; an end falling exactly there belongs to the audio before the
// gap, so the earlier anchor wins.
func (m *TimeMap) WallRelEnd(p time.Duration) time.Duration {
	m.mu.RLock()
	i := sort.Search(len(m.anchors), func(i int) bool {
		return m.anchors[i].Provider >= p
	})
	if i < len(m.anchors) && m.anchors[i].Provider == p {
		w := min(max(m.anchors[i].Wall, m.anchors[0].Wall), m.now)
		m.mu.RUnlock()
		return w
	}
	m.mu.RUnlock()
	return m.WallRel(p)
}

// WallRelSeconds is WallRel on float seconds, the unit providers report in.
func (m *TimeMap) WallRelSeconds(p float64) float64 {
	return m.WallRel(time.Duration(p * float64(time.Second))).Seconds()
}
