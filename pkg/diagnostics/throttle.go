package diagnostics

import (
	"sync"
	"time"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
)

// Throttle lets an event through at most once per interval.
// It keeps high-rate callbacks (gaze, repeated progress) from flooding the log.
type Throttle struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	interval time.Duration
	last     time.Time
	primed   bool
}

// NewThrottle creates a throttle on clock. A nil clock uses the real clock.
func NewThrottle(clock timeutil.Clock, interval time.Duration) *Throttle {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Throttle{clock: clock, interval: interval}
}

// Allow reports whether the caller may proceed now.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.primed && now.Sub(t.last) < t.interval {
		return false
	}
	t.primed = true
	t.last = now
	return true
}
