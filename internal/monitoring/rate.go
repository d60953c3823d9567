package monitoring

import (
	"math"
	"sync"
	"time"
)

// RateMeter tracks the instantaneous rate of a periodic event as an
// exponentially weighted average of inter-event intervals.
type RateMeter struct {
	mu       sync.Mutex
	alpha    float64
	last     time.Time
	interval float64 // smoothed seconds between events
	count    uint64
}

// NewRateMeter returns a meter whose smoothing weight for the newest
// interval is alpha (0 < alpha <= 1).
func NewRateMeter(alpha float64) *RateMeter {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &RateMeter{alpha: alpha}
}

// Mark records one event at t.
func (m *RateMeter) Mark(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	if !m.last.IsZero() {
		dt := t.Sub(m.last).Seconds()
		if dt > 0 {
			if m.interval == 0 {
				m.interval = dt
			} else {
				m.interval += m.alpha * (dt - m.interval)
			}
		}
	}
	m.last = t
}

// Rate returns events per second, or 0 before two events were seen.
func (m *RateMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interval == 0 {
		return 0
	}
	return math.Round(1/m.interval*100) / 100
}

// Count returns the number of recorded events.
func (m *RateMeter) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Reset forgets all history.
func (m *RateMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = time.Time{}
	m.interval = 0
	m.count = 0
}
