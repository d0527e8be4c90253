// Package readiness decides when tracking is stable enough to calibrate.
//
// The SDK emits transient SUCCESS frames while it reacquires a face. Starting
// calibration on such a flicker is the usual cause of progress sitting at 0%,
// so the gate requires an unbroken run of SUCCESS samples of a minimum length.
package readiness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
)

// Recommended gate parameters.
const (
	DefaultMinStable = 850 * time.Millisecond
	DefaultTimeout   = 10 * time.Second
)

var (
	// ErrTimeout is returned when tracking did not stabilise in time.
	ErrTimeout = errors.New("readiness: tracking not stable before timeout")

	// ErrCancelled is returned when the gate was cancelled or re-armed.
	ErrCancelled = errors.New("readiness: cancelled")
)

// Gate watches the tracking sample stream.
//
// Only samples observed after Arm count toward stability, and stability is
// evaluated when a sample arrives.
type Gate struct {
	mu    sync.Mutex
	clock timeutil.Clock

	armed       bool
	gen         uint64
	minStable   time.Duration
	stable      bool
	stableSince time.Time
	timer       timeutil.Timer
	done        func(error)
}

// New creates a gate on clock. A nil clock uses the real clock.
func New(clock timeutil.Clock) *Gate {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Gate{clock: clock}
}

// Arm starts a wait. done is called exactly once: with nil once tracking has
// been SUCCESS for minStable, with ErrTimeout when timeout elapses first, or
// with ErrCancelled if the gate is cancelled or re-armed. done runs without
// the gate's lock held and may be invoked from Observe or from a timer.
func (g *Gate) Arm(minStable, timeout time.Duration, done func(error)) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g.mu.Lock()
	prev := g.disarmLocked()
	g.gen++
	gen := g.gen
	g.armed = true
	g.minStable = minStable
	g.stable = false
	g.stableSince = time.Time{}
	g.done = done
	g.timer = g.clock.AfterFunc(timeout, func() { g.expire(gen) })
	g.mu.Unlock()

	if prev != nil {
		prev(ErrCancelled)
	}
}

// Observe feeds one tracking sample. Samples while the gate is not armed are ignored.
func (g *Gate) Observe(s gaze.Sample) {
	g.mu.Lock()
	if !g.armed {
		g.mu.Unlock()
		return
	}

	if s.State != gaze.Success {
		g.stable = false
		g.stableSince = time.Time{}
		g.mu.Unlock()
		return
	}

	now := g.clock.Now()
	if !g.stable {
		g.stable = true
		g.stableSince = now
	}
	if now.Sub(g.stableSince) < g.minStable {
		g.mu.Unlock()
		return
	}

	done := g.disarmLocked()
	g.mu.Unlock()

	if done != nil {
		done(nil)
	}
}

// Cancel abandons a pending wait.
func (g *Gate) Cancel() {
	g.mu.Lock()
	done := g.disarmLocked()
	g.mu.Unlock()

	if done != nil {
		done(ErrCancelled)
	}
}

// Armed reports whether a wait is pending.
func (g *Gate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

// StableFor returns how long tracking has been continuously SUCCESS in the current wait.
func (g *Gate) StableFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed || !g.stable {
		return 0
	}
	return g.clock.Since(g.stableSince)
}

// Await blocks until tracking is stable, the timeout elapses, or ctx ends.
func (g *Gate) Await(ctx context.Context, minStable, timeout time.Duration) error {
	result := make(chan error, 1)
	g.Arm(minStable, timeout, func(err error) { result <- err })

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		g.Cancel()
		return ctx.Err()
	}
}

func (g *Gate) expire(gen uint64) {
	g.mu.Lock()
	if !g.armed || g.gen != gen {
		g.mu.Unlock()
		return
	}
	done := g.disarmLocked()
	g.mu.Unlock()

	if done != nil {
		done(ErrTimeout)
	}
}

// disarmLocked clears the pending wait and returns its callback.
// Caller must hold g.mu.
func (g *Gate) disarmLocked() func(error) {
	if !g.armed {
		return nil
	}
	timeutil.StopTimer(g.timer)
	g.timer = nil
	g.armed = false
	g.stable = false
	done := g.done
	g.done = nil
	return done
}
