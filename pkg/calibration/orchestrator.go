package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
	"github.com/teslashibe/go-gazecal/pkg/progress"
	"github.com/teslashibe/go-gazecal/pkg/readiness"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for every timer. Defaults to the real clock.
func WithClock(c timeutil.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithFrameWaiter sets the display-frame source used before sample collection.
// Without one, a FrameFallback timer stands in for the frame boundary.
func WithFrameWaiter(f FrameWaiter) Option {
	return func(o *Orchestrator) {
		o.frames = f
	}
}

// session is the per-attempt state. It is reset on every entry to RUNNING.
type session struct {
	target            *gaze.Point
	progress          float64
	nextPointObserved bool

	pointSeq     int // next-point events seen this attempt
	collectedSeq int // last point sample collection was issued for
	ackedSeq     int // last point a progress event arrived for

	zeroTicks     int
	lastRecollect time.Time

	lastNextPointAt time.Time
	lastCollectAt   time.Time
	lastProgressAt  time.Time
}

// Orchestrator runs one calibration attempt, including its bounded restarts.
// It is single use: once FINISHED or FAILED, construct a new one.
type Orchestrator struct {
	adapter   adapter.Capability
	presenter Presenter
	frames    FrameWaiter
	cfg       Config
	clock     timeutil.Clock
	logger    *slog.Logger
	gate      *readiness.Gate

	serial serializer
	state  atomic.Int32 // latest gaze.TrackingState

	mu        sync.Mutex
	id        string
	status    Status
	started   bool
	err       error
	done      chan struct{}
	gen       uint64
	restarts  int
	calActive bool // vendor calibration started and not yet stopped
	startedAt time.Time
	sess      session

	gazeSub adapter.Subscription
	calSubs []adapter.Subscription

	noNextTimer  timeutil.Timer
	zeroTimer    timeutil.Timer
	settleTimer  timeutil.Timer
	restartTimer timeutil.Timer
}

// New creates an orchestrator in IDLE. A nil presenter discards notifications.
func New(capability adapter.Capability, presenter Presenter, cfg Config, opts ...Option) (*Orchestrator, error) {
	if capability == nil {
		return nil, errors.New("calibration: adapter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if presenter == nil {
		presenter = NopPresenter{}
	}

	o := &Orchestrator{
		adapter:   capability,
		presenter: presenter,
		cfg:       cfg,
		clock:     timeutil.RealClock{},
		logger:    slog.Default(),
		id:        uuid.NewString(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "calibration", diagnostics.TagKey, "cal", "session", o.id)
	o.gate = readiness.New(o.clock)
	o.state.Store(int32(gaze.Unknown))
	return o, nil
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string {
	return o.id
}

// Start requests calibration: IDLE to PREPARING. The session then proceeds on
// adapter callbacks and timers. Start returns ErrAlreadyStarted on reuse.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.startedAt = o.clock.Now()
	o.gazeSub = o.adapter.Subscribe(adapter.EventGaze, o.onGaze)
	o.mu.Unlock()

	o.logger.Info("calibration requested",
		"points", o.cfg.PointCount,
		"accuracy", o.cfg.Accuracy.String(),
		"min_stable_ms", o.cfg.MinStableDuration.Milliseconds(),
	)
	o.do(o.prepare)
	return nil
}

// Teardown releases everything the session holds: timers, subscriptions and
// the vendor calibration. From a non-terminal state the session ends FAILED
// with ErrCancelled. It is idempotent and blocks until applied, so it must
// not be called from a Presenter method.
func (o *Orchestrator) Teardown() {
	applied := make(chan struct{})
	o.serial.post(func() {
		defer close(applied)
		o.mu.Lock()
		defer o.mu.Unlock()
		o.started = true
		if !o.status.Terminal() {
			o.logger.Info("calibration torn down", "status", o.status.String())
			o.failLocked(ErrCancelled)
			return
		}
		o.releaseLocked()
	})
	<-applied
}

// Status returns the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Done is closed when the session reaches FINISHED or FAILED.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err returns the terminal error: nil while running and after FINISHED.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Wait blocks until the session is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		SessionID:         o.id,
		Status:            o.status,
		Progress:          o.sess.progress,
		Percent:           progress.Percent(o.sess.progress),
		NextPointObserved: o.sess.nextPointObserved,
		Points:            o.cfg.PointCount,
		RestartCount:      o.restarts,
		ZeroProgressFor:   time.Duration(o.sess.zeroTicks) * o.cfg.ZeroProgressTick,
		StartedAt:         o.startedAt,
		LastNextPointAt:   o.sess.lastNextPointAt,
		LastCollectAt:     o.sess.lastCollectAt,
		LastProgressAt:    o.sess.lastProgressAt,
	}
	if o.sess.target != nil {
		t := *o.sess.target
		s.Target = &t
	}
	if o.err != nil {
		s.Error = o.err.Error()
	}
	return s
}

// do runs fn on the serializer with the session lock held.
func (o *Orchestrator) do(fn func()) {
	o.serial.post(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		fn()
	})
}

// bound returns a callback that runs fn on the serializer only if the attempt
// that created it is still current. Timers and vendor callbacks from a
// superseded attempt are dropped here.
func (o *Orchestrator) bound(gen uint64, fn func()) func() {
	return func() {
		o.do(func() {
			if o.gen != gen || o.status.Terminal() {
				return
			}
			fn()
		})
	}
}

func (o *Orchestrator) onGaze(ev adapter.Event) {
	o.state.Store(int32(ev.State))
	o.gate.Observe(gaze.Sample{X: ev.X, Y: ev.Y, State: ev.State, At: o.clock.Now()})
}

func (o *Orchestrator) trackingState() gaze.TrackingState {
	return gaze.TrackingState(o.state.Load())
}

// prepare enters PREPARING and arms the readiness gate.
func (o *Orchestrator) prepare() {
	if o.status.Terminal() {
		return
	}
	o.gen++
	gen := o.gen
	o.status = StatusPreparing

	o.presenter.SetPill(PillCalibration, "preparing")
	o.presenter.SetStatus("Waiting for stable tracking... look at the screen")
	o.logger.Info("waiting for stable tracking",
		"attempt", o.restarts+1,
		"timeout_ms", o.cfg.ReadyTimeout.Milliseconds(),
	)

	o.gate.Arm(o.cfg.MinStableDuration, o.cfg.ReadyTimeout, func(err error) {
		o.bound(gen, func() { o.onReady(err) })()
	})
}

func (o *Orchestrator) onReady(err error) {
	if o.status != StatusPreparing {
		return
	}
	switch {
	case err == nil:
		o.run()
	case errors.Is(err, readiness.ErrCancelled):
		// Superseded by teardown or a re-arm; nothing to do.
	default:
		o.logger.Warn("tracking not ready", "error", err, "state", o.trackingState().String())
		o.failLocked(notReady(err))
	}
}

// run enters RUNNING and issues start-calibration.
func (o *Orchestrator) run() {
	gen := o.gen
	o.sess = session{}
	o.presenter.HideTarget()

	o.unsubscribeCalibration()
	o.calSubs = []adapter.Subscription{
		o.adapter.Subscribe(adapter.EventNextPoint, func(ev adapter.Event) {
			o.bound(gen, func() { o.onNextPoint(ev) })()
		}),
		o.adapter.Subscribe(adapter.EventProgress, func(ev adapter.Event) {
			o.bound(gen, func() { o.onProgress(ev) })()
		}),
		o.adapter.Subscribe(adapter.EventFinish, func(ev adapter.Event) {
			o.bound(gen, func() { o.onFinish(ev) })()
		}),
	}

	o.status = StatusRunning
	o.presenter.SetPill(PillCalibration, "running")
	o.presenter.SetStatus("Calibrating... 0% (keep your head steady, look at the green dot)")
	o.logger.Info("starting calibration", "points", o.cfg.PointCount, "attempt", o.restarts+1)

	res, err := o.adapter.Command(adapter.CmdStartCalibration, o.cfg.PointCount, o.cfg.Accuracy)
	if err != nil {
		o.logger.Error("start calibration raised", "error", err)
		o.failLocked(fmt.Errorf("%w: %w", ErrNotStarted, err))
		return
	}
	if !res.OK {
		o.logger.Error("calibration did not start (start calibration returned false)")
		o.failLocked(ErrStartRejected)
		return
	}
	o.calActive = true
	o.logger.Debug("start calibration returned", "ok", res.OK)

	o.armNoNextPoint()
	o.armZeroTick()
}

func (o *Orchestrator) onNextPoint(ev adapter.Event) {
	if o.status != StatusRunning {
		return
	}
	now := o.clock.Now()
	o.sess.pointSeq++
	o.sess.target = &gaze.Point{X: ev.X, Y: ev.Y}
	o.sess.nextPointObserved = true
	o.sess.lastNextPointAt = now

	o.logger.Info("calibration next point", "x", ev.X, "y", ev.Y, "point", o.sess.pointSeq)
	o.presenter.ShowTarget(ev.X, ev.Y)

	o.armNoNextPoint()
	o.scheduleCollect(o.sess.pointSeq)
}

// scheduleCollect issues sample collection for point seq once the target has
// painted and the settle delay has passed.
func (o *Orchestrator) scheduleCollect(seq int) {
	gen := o.gen
	settle := func() {
		if seq != o.sess.pointSeq {
			return
		}
		timeutil.StopTimer(o.settleTimer)
		o.settleTimer = o.clock.AfterFunc(o.cfg.SettleDelay, o.bound(gen, func() { o.collect(seq) }))
	}

	timeutil.StopTimer(o.settleTimer)
	if o.frames != nil {
		o.settleTimer = nil
		o.frames.AfterNextFrame(o.bound(gen, settle))
		return
	}
	o.settleTimer = o.clock.AfterFunc(o.cfg.FrameFallback, o.bound(gen, settle))
}

func (o *Orchestrator) collect(seq int) {
	if o.status != StatusRunning || seq != o.sess.pointSeq || o.sess.collectedSeq >= seq {
		return
	}
	o.sess.collectedSeq = seq
	o.issueCollect("target painted")
}

func (o *Orchestrator) issueCollect(why string) {
	o.sess.lastCollectAt = o.clock.Now()
	res, err := o.adapter.Command(adapter.CmdStartCollectSamples)
	if err != nil {
		o.logger.Warn("start collect samples raised", "error", err, "reason", why)
		return
	}
	o.logger.Debug("start collect samples called", "return_value", res.Value, "reason", why, "point", o.sess.pointSeq)
}

func (o *Orchestrator) onProgress(ev adapter.Event) {
	if o.status != StatusRunning {
		return
	}
	o.sess.lastProgressAt = o.clock.Now()
	if o.sess.nextPointObserved && o.sess.ackedSeq < o.sess.pointSeq {
		o.sess.ackedSeq = o.sess.pointSeq
		timeutil.StopTimer(o.noNextTimer)
		o.noNextTimer = nil
	}

	p := progress.Clamp01(progress.Normalize(ev.Raw))
	if p > o.sess.progress {
		o.logger.Info("progress changed", "progress", p, "raw", ev.Raw)
		o.sess.progress = p
		o.sess.zeroTicks = 0
	} else if p < o.sess.progress {
		o.logger.Debug("progress regression clamped", "reported", p, "kept", o.sess.progress)
	}

	pct := progress.Percent(o.sess.progress)
	o.presenter.SetPill(PillCalibration, fmt.Sprintf("running %d%%", pct))
	o.presenter.SetStatus(fmt.Sprintf("Calibrating... %d%% (keep your head steady, look at the green dot)", pct))
}

func (o *Orchestrator) onFinish(ev adapter.Event) {
	if o.status != StatusRunning && o.status != StatusRestarting {
		return
	}
	o.logger.Info("calibration finished", "data", describe(ev.Raw), "restarts", o.restarts)
	o.status = StatusFinished
	o.calActive = false
	o.sess.progress = 1
	o.releaseLocked()
	o.presenter.SetPill(PillCalibration, "finished")
	o.presenter.SetStatus(UserMessage(nil))
	close(o.done)
}

func (o *Orchestrator) armNoNextPoint() {
	timeutil.StopTimer(o.noNextTimer)
	o.noNextTimer = o.clock.AfterFunc(o.cfg.NoNextPointGrace, o.bound(o.gen, o.onNoNextPoint))
}

func (o *Orchestrator) onNoNextPoint() {
	o.noNextTimer = nil
	if o.status != StatusRunning {
		return
	}
	if !o.sess.nextPointObserved {
		o.stall(StallNoNextPoint, "calibration target never received")
		return
	}
	if o.sess.ackedSeq < o.sess.pointSeq {
		o.stall(StallNoNextPoint, "calibration target never acknowledged")
	}
}

func (o *Orchestrator) armZeroTick() {
	timeutil.StopTimer(o.zeroTimer)
	o.zeroTimer = o.clock.AfterFunc(o.cfg.ZeroProgressTick, o.bound(o.gen, o.onZeroTick))
}

func (o *Orchestrator) onZeroTick() {
	o.zeroTimer = nil
	if o.status != StatusRunning {
		return
	}
	if !o.sess.nextPointObserved || o.sess.progress > 0 {
		o.sess.zeroTicks = 0
		o.armZeroTick()
		return
	}

	o.sess.zeroTicks++
	zeroFor := time.Duration(o.sess.zeroTicks) * o.cfg.ZeroProgressTick
	if zeroFor >= o.cfg.ZeroProgressThreshold {
		o.stall(StallZeroProgress, "progress stalled at 0%")
		return
	}

	if o.cfg.RecollectInterval > 0 && o.trackingState() == gaze.Success {
		now := o.clock.Now()
		since := o.sess.lastCollectAt
		if o.sess.lastRecollect.After(since) {
			since = o.sess.lastRecollect
		}
		if !since.IsZero() && now.Sub(since) >= o.cfg.RecollectInterval {
			o.sess.lastRecollect = now
			o.logger.Warn("progress still 0%, re-issuing sample collection", "zero_ms", zeroFor.Milliseconds())
			o.issueCollect("zero progress")
		}
	}
	o.armZeroTick()
}

// stall restarts the attempt while restarts remain, otherwise fails it.
func (o *Orchestrator) stall(reason StallReason, detail string) {
	o.clearTimers()
	if o.restarts >= o.cfg.MaxRestarts {
		o.logger.Error("calibration stalled, no restarts left", "reason", reason.String(), "detail", detail, "restarts", o.restarts)
		o.failLocked(&StalledError{Reason: reason, Detail: detail, Restarts: o.restarts})
		return
	}

	o.status = StatusRestarting
	o.logger.Warn("calibration stalled, restarting", "reason", reason.String(), "detail", detail, "restarts", o.restarts)
	o.stopCalibrationQuietly()
	o.restarts++
	o.sess = session{}
	o.presenter.HideTarget()
	o.presenter.SetPill(PillCalibration, "restarting")
	o.presenter.SetStatus("Calibration stalled (" + detail + "), restarting... 0%")

	if o.cfg.RestartDelay <= 0 {
		o.prepare()
		return
	}
	o.restartTimer = o.clock.AfterFunc(o.cfg.RestartDelay, o.bound(o.gen, o.prepare))
}

// failLocked enters FAILED with err. Caller must hold o.mu.
func (o *Orchestrator) failLocked(err error) {
	if o.status.Terminal() {
		return
	}
	o.status = StatusFailed
	o.err = err
	o.releaseLocked()
	o.presenter.SetPill(PillCalibration, "failed")
	o.presenter.SetStatus(UserMessage(err))
	close(o.done)
}

// releaseLocked cancels every timer and subscription and stops the vendor
// calibration if it is still running. Safe to repeat.
func (o *Orchestrator) releaseLocked() {
	o.clearTimers()
	o.gate.Cancel()
	o.unsubscribeCalibration()
	if o.gazeSub.Valid() {
		o.adapter.Unsubscribe(o.gazeSub)
		o.gazeSub = adapter.Subscription{}
	}
	o.stopCalibrationQuietly()
	o.sess.target = nil
	o.presenter.HideTarget()
}

func (o *Orchestrator) clearTimers() {
	for _, t := range []*timeutil.Timer{&o.noNextTimer, &o.zeroTimer, &o.settleTimer, &o.restartTimer} {
		timeutil.StopTimer(*t)
		*t = nil
	}
}

func (o *Orchestrator) unsubscribeCalibration() {
	for _, s := range o.calSubs {
		o.adapter.Unsubscribe(s)
	}
	o.calSubs = nil
}

func (o *Orchestrator) stopCalibrationQuietly() {
	if !o.calActive {
		return
	}
	o.calActive = false
	if _, err := o.adapter.Command(adapter.CmdStopCalibration); err != nil {
		o.logger.Debug("stop calibration failed (ignored)", "error", err)
	}
}

// describe summarises a finish payload without logging calibration data.
func describe(v any) map[string]any {
	switch val := v.(type) {
	case nil:
		return map[string]any{"type": "nil"}
	case string:
		preview := val
		if len(preview) > 60 {
			preview = preview[:60] + "..."
		}
		return map[string]any{"type": "string", "length": len(val), "preview": preview}
	case []byte:
		return map[string]any{"type": "bytes", "length": len(val)}
	}
	return map[string]any{"type": fmt.Sprintf("%T", v)}
}
