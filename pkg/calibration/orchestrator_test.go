package calibration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// recorder is a Presenter that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	pills    map[string][]string
	targets  []gaze.Point
	hides    int
}

func newRecorder() *recorder {
	return &recorder{pills: make(map[string][]string)}
}

func (r *recorder) SetStatus(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
}

func (r *recorder) SetPill(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pills[name] = append(r.pills[name], value)
}

func (r *recorder) ShowTarget(x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, gaze.Point{X: x, Y: y})
}

func (r *recorder) HideTarget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hides++
}

func (r *recorder) ShowGaze(x, y float64) {}
func (r *recorder) HideGaze()             {}

func (r *recorder) lastStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

// percents returns every percentage shown on the calibration pill.
func (r *recorder) percents() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, v := range r.pills[PillCalibration] {
		var pct int
		if _, err := fmt.Sscanf(v, "running %d%%", &pct); err == nil {
			out = append(out, pct)
		}
	}
	return out
}

type fixture struct {
	o     *Orchestrator
	sdk   *sdk.CallbackMock
	clock *timeutil.MockClock
	ui    *recorder
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig is the default config with an immediate readiness gate.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinStableDuration = 0
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	m := sdk.NewCallbackMock()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ui := newRecorder()

	opts = append([]Option{WithClock(clock), WithLogger(quietLogger())}, opts...)
	o, err := New(adapter.NewCallback(m), ui, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{o: o, sdk: m, clock: clock, ui: ui}
}

func (f *fixture) success() {
	f.sdk.EmitGaze(sdk.GazeInfo{X: 640, Y: 360, TrackingState: gaze.Success})
}

// run starts the session and feeds one SUCCESS sample so the gate opens.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	if err := f.o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.success()
	if got := f.o.Status(); got != StatusRunning {
		t.Fatalf("status after stable tracking = %v, want running", got)
	}
}

func isDone(o *Orchestrator) bool {
	select {
	case <-o.Done():
		return true
	default:
		return false
	}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)

	want := []sdk.MockCall{{Method: "StartCalibration", Args: []any{1, sdk.AccuracyDefault}}}
	if diff := cmp.Diff(want, f.sdk.Calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}

	f.sdk.EmitNextPoint(400, 300)
	if diff := cmp.Diff([]gaze.Point{{X: 400, Y: 300}}, f.ui.targets); diff != "" {
		t.Errorf("targets (-want +got):\n%s", diff)
	}

	// Sample collection waits for the frame boundary plus the settle delay.
	f.clock.Advance(300 * time.Millisecond)
	if n := f.sdk.CallCount("StartCollectSamples"); n != 0 {
		t.Fatalf("collect issued after 300ms, before the target settled")
	}
	f.clock.Advance(16 * time.Millisecond)
	if n := f.sdk.CallCount("StartCollectSamples"); n != 1 {
		t.Fatalf("collect issued %d times after settle, want 1", n)
	}

	f.sdk.EmitProgress(0.5)
	f.clock.Advance(time.Second)
	f.sdk.EmitProgress(map[string]any{"progress": 0.9})
	if n := f.sdk.CallCount("StartCollectSamples"); n != 1 {
		t.Errorf("collect issued %d times for one point, want 1", n)
	}

	f.sdk.EmitFinish("calibration-data")

	if f.o.Status() != StatusFinished || f.o.Err() != nil {
		t.Fatalf("status = %v err = %v, want finished", f.o.Status(), f.o.Err())
	}
	if !isDone(f.o) {
		t.Error("Done not closed after finish")
	}
	if diff := cmp.Diff([]int{50, 90}, f.ui.percents()); diff != "" {
		t.Errorf("percents (-want +got):\n%s", diff)
	}
	if f.clock.Pending() != 0 {
		t.Errorf("%d timers still pending after finish", f.clock.Pending())
	}
	if f.sdk.CallbackCount() != 0 {
		t.Errorf("%d vendor callbacks still registered after finish", f.sdk.CallbackCount())
	}
	if f.o.Snapshot().Target != nil {
		t.Error("target not cleared on finish")
	}
	if got := f.ui.lastStatus(); got != "Calibration complete" {
		t.Errorf("status text = %q", got)
	}
}

func TestOrchestrator_WaitsForSustainedTracking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinStableDuration = 800 * time.Millisecond
	f := newFixture(t, cfg)

	if err := f.o.Start(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		f.clock.Advance(100 * time.Millisecond)
		f.success()

		want := StatusPreparing
		if i >= 9 {
			want = StatusRunning
		}
		if got := f.o.Status(); got != want {
			t.Fatalf("after sample %d (%dms) status = %v, want %v", i, i*100, got, want)
		}
	}
	if n := f.sdk.CallCount("StartCalibration"); n != 1 {
		t.Errorf("StartCalibration called %d times", n)
	}
}

// A target arrives but nothing ever acknowledges it: one restart at 1.5s.
func TestOrchestrator_NoNextPointRestartsOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)

	f.sdk.EmitNextPoint(400, 300)
	f.clock.Advance(1499 * time.Millisecond)
	if f.o.Status() != StatusRunning {
		t.Fatalf("restarted early: %v", f.o.Status())
	}

	f.clock.Advance(time.Millisecond)

	snap := f.o.Snapshot()
	if snap.Status != StatusPreparing {
		t.Fatalf("status at 1500ms = %v, want preparing", snap.Status)
	}
	if snap.RestartCount != 1 || snap.Progress != 0 || snap.Target != nil {
		t.Errorf("snapshot after restart = %+v", snap)
	}
	if n := f.sdk.CallCount("StopCalibration"); n != 1 {
		t.Errorf("StopCalibration called %d times, want 1", n)
	}
	if n := f.sdk.CallCount("StartCalibration"); n != 1 {
		t.Errorf("StartCalibration called %d times before the gate reopened", n)
	}

	f.success()
	if f.o.Status() != StatusRunning {
		t.Fatalf("second attempt did not start: %v", f.o.Status())
	}
	if n := f.sdk.CallCount("StartCalibration"); n != 2 {
		t.Errorf("StartCalibration called %d times, want 2", n)
	}
}

func TestOrchestrator_RestartsAreBounded(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)

	// First attempt: no target at all.
	f.clock.Advance(1500 * time.Millisecond)
	f.success()
	// Second attempt: no target either.
	f.clock.Advance(1500 * time.Millisecond)

	if f.o.Status() != StatusFailed {
		t.Fatalf("status = %v, want failed", f.o.Status())
	}
	var stalled *StalledError
	if !errors.As(f.o.Err(), &stalled) {
		t.Fatalf("err = %v, want StalledError", f.o.Err())
	}
	if stalled.Reason != StallNoNextPoint || stalled.Detail != "calibration target never received" || stalled.Restarts != 1 {
		t.Errorf("stall = %+v", stalled)
	}
	if !errors.Is(f.o.Err(), ErrStalled) {
		t.Error("StalledError does not match ErrStalled")
	}

	calls := len(f.sdk.Calls())
	f.clock.Advance(30 * time.Second)
	f.success()
	f.sdk.EmitNextPoint(1, 1)
	f.sdk.EmitProgress(0.5)
	f.sdk.EmitFinish(nil)

	if got := len(f.sdk.Calls()); got != calls {
		t.Errorf("adapter saw %d more commands after failing", got-calls)
	}
	if f.o.Status() != StatusFailed {
		t.Errorf("terminal status changed to %v", f.o.Status())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("%d timers pending after failure", f.clock.Pending())
	}
}

// Zeros for 6.5s then 0.8 must not trip the zero-progress watchdog.
func TestOrchestrator_SlowProgressDoesNotRestart(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)

	f.sdk.EmitNextPoint(400, 300)
	for elapsed := 100 * time.Millisecond; elapsed <= 6500*time.Millisecond; elapsed += 100 * time.Millisecond {
		f.clock.Advance(100 * time.Millisecond)
		f.sdk.EmitProgress(0.0)
	}
	f.sdk.EmitProgress(0.8)

	snap := f.o.Snapshot()
	if snap.Status != StatusRunning || snap.RestartCount != 0 {
		t.Fatalf("snapshot = %+v, want running without restart", snap)
	}
	if snap.Percent != 80 {
		t.Errorf("percent = %d, want 80", snap.Percent)
	}
	if n := f.sdk.CallCount("StopCalibration"); n != 0 {
		t.Errorf("StopCalibration called %d times", n)
	}
	// Initial collect at 316ms plus opportunistic re-issues at 2.5s, 4.5s and 6.5s.
	if n := f.sdk.CallCount("StartCollectSamples"); n != 4 {
		t.Errorf("StartCollectSamples called %d times, want 4", n)
	}

	pcts := f.ui.percents()
	if len(pcts) == 0 || pcts[len(pcts)-1] != 80 {
		t.Errorf("displayed percents end with %v, want 80", pcts)
	}
}

func TestOrchestrator_ZeroProgressStall(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)

	f.sdk.EmitNextPoint(400, 300)
	f.clock.Advance(100 * time.Millisecond)
	f.sdk.EmitProgress(0)

	f.clock.Advance(7899 * time.Millisecond)
	if f.o.Status() != StatusRunning {
		t.Fatalf("stalled before the threshold: %v", f.o.Status())
	}
	f.clock.Advance(time.Millisecond)

	snap := f.o.Snapshot()
	if snap.Status != StatusPreparing || snap.RestartCount != 1 {
		t.Fatalf("snapshot at 8s = %+v, want one restart", snap)
	}
}

func TestOrchestrator_NoRecollectWithoutSuccess(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)

	f.sdk.EmitNextPoint(400, 300)
	f.sdk.EmitGaze(sdk.GazeInfo{TrackingState: gaze.FaceMissing})
	f.clock.Advance(100 * time.Millisecond)
	f.sdk.EmitProgress(0)
	f.clock.Advance(6 * time.Second)

	if n := f.sdk.CallCount("StartCollectSamples"); n != 1 {
		t.Errorf("StartCollectSamples called %d times with the face missing, want 1", n)
	}
}

func TestOrchestrator_ProgressNeverDecreases(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)
	f.sdk.EmitNextPoint(100, 100)

	for _, raw := range []any{0.2, 0.1, 0.5, 0.5, 0.3, map[string]any{"ratio": 0.7}, "junk", 1.4, -1.0} {
		f.sdk.EmitProgress(raw)
	}

	pcts := f.ui.percents()
	for i := 1; i < len(pcts); i++ {
		if pcts[i] < pcts[i-1] {
			t.Fatalf("displayed progress decreased: %v", pcts)
		}
	}
	if pcts[len(pcts)-1] != 100 {
		t.Errorf("final percent = %d, want 100", pcts[len(pcts)-1])
	}
}

func TestOrchestrator_StartRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sdk.StartCalibrationFunc = func(int, sdk.Accuracy) (bool, error) { return false, nil }

	if err := f.o.Start(); err != nil {
		t.Fatal(err)
	}
	f.success()

	if f.o.Status() != StatusFailed || !errors.Is(f.o.Err(), ErrStartRejected) {
		t.Fatalf("status = %v err = %v, want failed with ErrStartRejected", f.o.Status(), f.o.Err())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("%d timers armed after rejection", f.clock.Pending())
	}
	if diff := cmp.Diff([]string{"StartCalibration"}, f.sdk.Methods()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if got := f.ui.lastStatus(); got != UserMessage(ErrStartRejected) {
		t.Errorf("status text = %q", got)
	}
}

func TestOrchestrator_StartRaised(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sdk.StartCalibrationFunc = func(int, sdk.Accuracy) (bool, error) {
		return false, errors.New("engine not initialized")
	}

	if err := f.o.Start(); err != nil {
		t.Fatal(err)
	}
	f.success()

	if !errors.Is(f.o.Err(), ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", f.o.Err())
	}
	var ve *adapter.VendorError
	if !errors.As(f.o.Err(), &ve) {
		t.Errorf("vendor error not preserved in %v", f.o.Err())
	}
}

func TestOrchestrator_ReadinessTimeout(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if err := f.o.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		f.clock.Advance(100 * time.Millisecond)
		f.sdk.EmitGaze(sdk.GazeInfo{TrackingState: gaze.LowConfidence})
	}

	if !errors.Is(f.o.Err(), ErrTrackingNotReady) {
		t.Fatalf("err = %v, want ErrTrackingNotReady", f.o.Err())
	}
	if n := f.sdk.CallCount("StartCalibration"); n != 0 {
		t.Errorf("StartCalibration called %d times", n)
	}
}

func TestOrchestrator_StartTwice(t *testing.T) {
	f := newFixture(t, testConfig())
	f.run(t)
	if err := f.o.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestOrchestrator_TeardownFromEveryState(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, f *fixture)
		wantStops int
		wantErr   error
	}{
		{
			name:    "idle",
			setup:   func(*testing.T, *fixture) {},
			wantErr: ErrCancelled,
		},
		{
			name: "preparing",
			setup: func(t *testing.T, f *fixture) {
				if err := f.o.Start(); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: ErrCancelled,
		},
		{
			name: "running",
			setup: func(t *testing.T, f *fixture) {
				f.run(t)
				f.sdk.EmitNextPoint(10, 10)
			},
			wantStops: 1,
			wantErr:   ErrCancelled,
		},
		{
			name: "failed",
			setup: func(t *testing.T, f *fixture) {
				f.sdk.StartCalibrationFunc = func(int, sdk.Accuracy) (bool, error) { return false, nil }
				f.run2(t)
			},
			wantErr: ErrStartRejected,
		},
		{
			name: "finished",
			setup: func(t *testing.T, f *fixture) {
				f.run(t)
				f.sdk.EmitFinish(nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			tt.setup(t, f)

			f.o.Teardown()
			f.o.Teardown()

			if !f.o.Status().Terminal() {
				t.Errorf("status after teardown = %v", f.o.Status())
			}
			if !isDone(f.o) {
				t.Error("Done not closed after teardown")
			}
			if !errors.Is(f.o.Err(), tt.wantErr) && !(tt.wantErr == nil && f.o.Err() == nil) {
				t.Errorf("err = %v, want %v", f.o.Err(), tt.wantErr)
			}
			if f.clock.Pending() != 0 {
				t.Errorf("%d timers pending after teardown", f.clock.Pending())
			}
			if f.sdk.CallbackCount() != 0 {
				t.Errorf("%d vendor callbacks registered after teardown", f.sdk.CallbackCount())
			}
			if n := f.sdk.CallCount("StopCalibration"); n != tt.wantStops {
				t.Errorf("StopCalibration called %d times, want %d", n, tt.wantStops)
			}
			if err := f.o.Start(); !errors.Is(err, ErrAlreadyStarted) {
				t.Errorf("Start after teardown = %v", err)
			}
		})
	}
}

// run2 starts the session and opens the gate without asserting RUNNING.
func (f *fixture) run2(t *testing.T) {
	t.Helper()
	if err := f.o.Start(); err != nil {
		t.Fatal(err)
	}
	f.success()
}

func TestOrchestrator_FinishWhileRestarting(t *testing.T) {
	cfg := testConfig()
	cfg.RestartDelay = time.Second
	f := newFixture(t, cfg)
	f.run(t)

	f.clock.Advance(1500 * time.Millisecond)
	if f.o.Status() != StatusRestarting {
		t.Fatalf("status = %v, want restarting", f.o.Status())
	}

	f.sdk.EmitFinish("late-data")
	if f.o.Status() != StatusFinished {
		t.Fatalf("status = %v, want finished", f.o.Status())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("restart timer survived finish")
	}
}

func TestOrchestrator_RestartDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RestartDelay = time.Second
	f := newFixture(t, cfg)
	f.run(t)

	f.clock.Advance(1500 * time.Millisecond)
	f.sdk.EmitNextPoint(5, 5) // ignored: not RUNNING
	f.clock.Advance(999 * time.Millisecond)
	if f.o.Status() != StatusRestarting {
		t.Fatalf("status = %v, want restarting", f.o.Status())
	}
	f.clock.Advance(time.Millisecond)
	if f.o.Status() != StatusPreparing {
		t.Fatalf("status = %v, want preparing", f.o.Status())
	}
	if len(f.ui.targets) != 0 {
		t.Errorf("target shown while restarting: %v", f.ui.targets)
	}
}

type manualFrames struct {
	pending []func()
}

func (m *manualFrames) AfterNextFrame(fn func()) {
	m.pending = append(m.pending, fn)
}

func (m *manualFrames) paint() {
	fns := m.pending
	m.pending = nil
	for _, fn := range fns {
		fn()
	}
}

func TestOrchestrator_CollectWaitsForPaint(t *testing.T) {
	frames := &manualFrames{}
	f := newFixture(t, testConfig(), WithFrameWaiter(frames))
	f.run(t)

	f.sdk.EmitNextPoint(400, 300)
	f.clock.Advance(time.Second)
	f.sdk.EmitProgress(0) // acknowledged, but the target never painted
	if n := f.sdk.CallCount("StartCollectSamples"); n != 0 {
		t.Fatalf("collect issued before the frame painted")
	}

	frames.paint()
	f.clock.Advance(299 * time.Millisecond)
	if n := f.sdk.CallCount("StartCollectSamples"); n != 0 {
		t.Fatalf("collect issued before the settle delay")
	}
	f.clock.Advance(time.Millisecond)
	if n := f.sdk.CallCount("StartCollectSamples"); n != 1 {
		t.Errorf("StartCollectSamples called %d times, want 1", n)
	}
}

func TestOrchestrator_StalePaintDoesNotCollectNewPoint(t *testing.T) {
	frames := &manualFrames{}
	f := newFixture(t, testConfig(), WithFrameWaiter(frames))
	f.run(t)

	f.sdk.EmitNextPoint(100, 100)
	f.sdk.EmitNextPoint(200, 200)
	frames.paint()
	f.clock.Advance(300 * time.Millisecond)

	if n := f.sdk.CallCount("StartCollectSamples"); n != 1 {
		t.Errorf("StartCollectSamples called %d times, want exactly 1 for the current point", n)
	}
}

func TestOrchestrator_InjectedShape(t *testing.T) {
	m := sdk.NewInjectedMock()
	capability := adapter.NewInjected(m)
	if _, err := capability.Command(adapter.CmdStartTracking, testStream("cam0")); err != nil {
		t.Fatal(err)
	}

	clock := timeutil.NewMockClock(time.Time{})
	o, err := New(capability, nil, testConfig(), WithClock(clock), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}

	m.EmitGaze(sdk.GazeInfo{TrackingState: gaze.Success})
	m.EmitNextPoint(320, 240)
	clock.Advance(316 * time.Millisecond)
	m.EmitProgress(json50)
	m.EmitFinish(nil)

	if o.Status() != StatusFinished {
		t.Fatalf("status = %v, want finished", o.Status())
	}
	if diff := cmp.Diff([]string{"StartTracking", "StartCalibration", "StartCollectSamples"}, m.Methods()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Errorf("Wait = %v", err)
	}
}

var json50 = []byte(`{"value": 0.5}`)

type testStream string

func (s testStream) ID() string { return string(s) }
