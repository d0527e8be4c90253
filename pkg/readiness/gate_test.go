package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
)

type outcome struct {
	called int
	err    error
	at     time.Duration
}

func armed(t *testing.T, minStable, timeout time.Duration) (*Gate, *timeutil.MockClock, *outcome) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	g := New(clock)
	out := &outcome{}
	g.Arm(minStable, timeout, func(err error) {
		out.called++
		out.err = err
		out.at = clock.Since(start)
	})
	return g, clock, out
}

func feed(g *Gate, clock *timeutil.MockClock, every time.Duration, states ...gaze.TrackingState) {
	for _, s := range states {
		clock.Advance(every)
		g.Observe(gaze.Sample{State: s})
	}
}

func repeat(s gaze.TrackingState, n int) []gaze.TrackingState {
	out := make([]gaze.TrackingState, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// Ten SUCCESS samples 100ms apart with an 800ms window resolve at ~900ms.
func TestGate_SustainedSuccessResolves(t *testing.T) {
	g, clock, out := armed(t, 800*time.Millisecond, 10*time.Second)

	feed(g, clock, 100*time.Millisecond, repeat(gaze.Success, 10)...)

	if out.called != 1 || out.err != nil {
		t.Fatalf("done called %d times, err=%v", out.called, out.err)
	}
	if out.at != 900*time.Millisecond {
		t.Errorf("resolved at %v, want 900ms", out.at)
	}
	if g.Armed() {
		t.Error("gate still armed after resolving")
	}
}

func TestGate_FlickerResetsWindow(t *testing.T) {
	g, clock, out := armed(t, 800*time.Millisecond, 10*time.Second)

	states := append(repeat(gaze.Success, 7), gaze.FaceMissing)
	states = append(states, repeat(gaze.Success, 8)...)
	feed(g, clock, 100*time.Millisecond, states...)

	if out.called != 0 {
		t.Fatalf("gate resolved on a broken run at %v", out.at)
	}

	feed(g, clock, 100*time.Millisecond, gaze.Success)
	if out.called != 1 || out.err != nil {
		t.Fatalf("gate did not resolve after a full window: %+v", out)
	}
	if out.at != 1700*time.Millisecond {
		t.Errorf("resolved at %v, want 1.7s", out.at)
	}
}

func TestGate_LowConfidenceBreaksRun(t *testing.T) {
	g, clock, out := armed(t, 300*time.Millisecond, 10*time.Second)

	feed(g, clock, 100*time.Millisecond,
		gaze.Success, gaze.Success, gaze.Success, gaze.LowConfidence,
		gaze.Success, gaze.Success, gaze.Unknown, gaze.Success)

	if out.called != 0 {
		t.Errorf("gate resolved although no 300ms SUCCESS run exists")
	}
	if g.StableFor() != 0 {
		t.Errorf("StableFor() = %v, want 0 right after a new run starts", g.StableFor())
	}
}

func TestGate_Timeout(t *testing.T) {
	g, clock, out := armed(t, 800*time.Millisecond, 2*time.Second)

	feed(g, clock, 100*time.Millisecond, repeat(gaze.FaceMissing, 25)...)

	if out.called != 1 || !errors.Is(out.err, ErrTimeout) {
		t.Fatalf("want one ErrTimeout, got %+v", out)
	}
	if out.at != 2*time.Second {
		t.Errorf("timed out at %v, want 2s", out.at)
	}

	// Late samples must not call done again.
	feed(g, clock, 100*time.Millisecond, repeat(gaze.Success, 20)...)
	if out.called != 1 {
		t.Errorf("done called %d times", out.called)
	}
}

func TestGate_SamplesBeforeArmDoNotCount(t *testing.T) {
	clock := timeutil.NewMockClock(time.Time{})
	g := New(clock)

	feed(g, clock, 100*time.Millisecond, repeat(gaze.Success, 20)...)

	resolved := false
	g.Arm(500*time.Millisecond, 10*time.Second, func(err error) { resolved = err == nil })
	feed(g, clock, 100*time.Millisecond, repeat(gaze.Success, 5)...)
	if resolved {
		t.Fatal("samples observed before Arm counted toward stability")
	}
	feed(g, clock, 100*time.Millisecond, gaze.Success)
	if !resolved {
		t.Fatal("gate did not resolve after 500ms of post-arm samples")
	}
}

func TestGate_CancelAndRearm(t *testing.T) {
	g, clock, out := armed(t, 800*time.Millisecond, 10*time.Second)

	second := 0
	g.Arm(100*time.Millisecond, 10*time.Second, func(error) { second++ })
	if out.called != 1 || !errors.Is(out.err, ErrCancelled) {
		t.Fatalf("re-arm should cancel the first wait, got %+v", out)
	}

	g.Cancel()
	g.Cancel()
	if second != 1 {
		t.Errorf("second callback called %d times, want 1", second)
	}
	if clock.Pending() != 0 {
		t.Errorf("%d timers left after cancel", clock.Pending())
	}
}

func TestGate_ZeroWindowResolvesOnFirstSuccess(t *testing.T) {
	g, clock, out := armed(t, 0, time.Second)
	feed(g, clock, 10*time.Millisecond, gaze.FaceMissing, gaze.Success)
	if out.called != 1 || out.err != nil {
		t.Errorf("want immediate resolution, got %+v", out)
	}
}

func TestGate_AwaitRealClock(t *testing.T) {
	g := New(nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.Observe(gaze.Sample{State: gaze.Success})
			}
		}
	}()

	if err := g.Await(context.Background(), 30*time.Millisecond, 2*time.Second); err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func TestGate_AwaitContextCancel(t *testing.T) {
	g := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := g.Await(ctx, time.Second, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Await = %v, want context.Canceled", err)
	}
	if g.Armed() {
		t.Error("gate left armed after context cancel")
	}
}
