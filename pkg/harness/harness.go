package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/calibration"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
)

// Opener opens a vendor SDK driver by name.
type Opener func(name, dsn string) (adapter.Capability, error)

// Option configures a Harness.
type Option func(*Harness)

// WithClock sets the clock for the heartbeat, throttles and sessions.
func WithClock(c timeutil.Clock) Option {
	return func(h *Harness) { h.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithFrameWaiter sets the display-frame source handed to every session.
func WithFrameWaiter(f calibration.FrameWaiter) Option {
	return func(h *Harness) { h.frames = f }
}

// WithOpener replaces the adapter registry lookup.
func WithOpener(o Opener) Option {
	return func(h *Harness) { h.open = o }
}

// Harness owns the camera stream, the SDK capability and at most one
// calibration session. Control methods are serialized; read methods may be
// called from any goroutine.
type Harness struct {
	cfg       Config
	source    camera.Source
	presenter calibration.Presenter
	frames    calibration.FrameWaiter
	open      Opener
	clock     timeutil.Clock
	base      *slog.Logger // handed to sessions
	logger    *slog.Logger

	ctl sync.Mutex // serializes Boot, tracking, Calibrate and Teardown

	mu       sync.RWMutex
	booted   bool
	cap      adapter.Capability
	stream   camera.Stream
	tracking bool
	session  *calibration.Orchestrator
	subs     []adapter.Subscription
	hbTimer  timeutil.Timer
	hbGen    uint64

	pillMu sync.RWMutex
	pills  map[string]string

	obs observations
}

// New creates a harness. A nil presenter discards notifications.
func New(source camera.Source, presenter calibration.Presenter, cfg Config, opts ...Option) (*Harness, error) {
	if source == nil {
		return nil, fmt.Errorf("harness: camera source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if presenter == nil {
		presenter = calibration.NopPresenter{}
	}

	h := &Harness{
		cfg:       cfg,
		source:    source,
		presenter: presenter,
		open:      adapter.Open,
		clock:     timeutil.RealClock{},
		logger:    slog.Default(),
		pills:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.base = h.logger
	h.logger = h.logger.With("component", "harness")
	h.obs.gazeLog = diagnostics.NewThrottle(h.clock, cfg.GazeLogInterval)
	h.obs.progressLog = diagnostics.NewThrottle(h.clock, cfg.ProgressLogInterval)
	return h, nil
}

func (h *Harness) tagged(tag string) *slog.Logger {
	return h.logger.With(diagnostics.TagKey, tag)
}

// Boot acquires the camera, opens the SDK driver and initializes it. Every
// failure is terminal and reported on the status line; resources acquired
// before the failure are released.
func (h *Harness) Boot(ctx context.Context) (err error) {
	h.ctl.Lock()
	defer h.ctl.Unlock()

	h.mu.RLock()
	booted := h.booted
	h.mu.RUnlock()
	if booted {
		return ErrAlreadyBooted
	}

	h.setPill(calibration.PillSDK, "loading")
	h.setPill(calibration.PillTracking, "stopped")
	h.setPill(calibration.PillCalibration, "idle")
	h.setPill(calibration.PillPermission, "unknown")

	var (
		stream camera.Stream
		capab  adapter.Capability
	)
	defer func() {
		if err == nil {
			return
		}
		h.presenter.SetStatus(UserMessage(err))
		if capab != nil {
			h.deinitQuietly(capab)
		}
		if stream != nil {
			h.stopStreamQuietly(stream)
		}
	}()

	perm := h.tagged("perm")
	perm.Info("requesting camera", "facing", h.cfg.Camera.Facing, "width", h.cfg.Camera.Width, "height", h.cfg.Camera.Height)
	stream, err = h.source.Acquire(ctx, h.cfg.Camera)
	if err != nil {
		if errors.Is(err, camera.ErrPermissionDenied) {
			h.setPill(calibration.PillPermission, "denied")
		} else {
			h.setPill(calibration.PillPermission, "unavailable")
		}
		perm.Error("camera request failed", "error", err)
		return err
	}
	h.setPill(calibration.PillPermission, "granted")
	s := stream.Settings()
	h.tagged("camera").Info("track settings",
		"stream", stream.ID(),
		"width", s.Width,
		"height", s.Height,
		"fps", s.FrameRate,
		"facing", s.Facing,
		"label", s.Label)

	sdkLog := h.tagged("sdk")
	capab, err = h.open(h.cfg.Driver, h.cfg.DSN)
	if err != nil {
		h.setPill(calibration.PillSDK, "load_failed")
		sdkLog.Error("failed to load sdk", "driver", h.cfg.Driver, "error", err)
		return fmt.Errorf("%w: %w", ErrSDKLoad, err)
	}
	sdkLog.Info("sdk loaded", "driver", h.cfg.Driver)
	subs := h.observe(capab)

	sdkLog.Info("initializing", "options", h.cfg.InitOptions)
	res, err := capab.Command(adapter.CmdInitialize, h.cfg.LicenseKey, h.cfg.InitOptions)
	switch {
	case err != nil:
		h.setPill(calibration.PillSDK, "init_exception")
		sdkLog.Error("exception during init", "error", err)
		h.unsubscribe(capab, subs)
		return &InitError{Code: res.Code, Err: err}
	case !res.OK:
		h.setPill(calibration.PillSDK, "init_failed")
		sdkLog.Error("init failed", "code", int(res.Code), "reason", res.Code.Description())
		h.unsubscribe(capab, subs)
		return &InitError{Code: res.Code}
	case res.Value == "unconfirmed":
		h.setPill(calibration.PillSDK, "initialized?")
		sdkLog.Warn("init returned but sdk state not confirmed by callback")
	default:
		h.setPill(calibration.PillSDK, "initialized")
		sdkLog.Info("initialized")
	}

	h.mu.Lock()
	h.booted = true
	h.cap = capab
	h.stream = stream
	h.subs = subs
	h.mu.Unlock()

	h.obs.reset()
	h.armHeartbeat()
	h.presenter.SetStatus(UserMessage(nil))
	h.tagged("boot").Info("ready")
	return nil
}

// StartTracking starts tracking on the boot camera stream. It is a no-op
// while tracking runs.
func (h *Harness) StartTracking() error {
	h.ctl.Lock()
	defer h.ctl.Unlock()
	return h.startTracking()
}

func (h *Harness) startTracking() error {
	h.mu.RLock()
	booted, capab, stream, tracking := h.booted, h.cap, h.stream, h.tracking
	h.mu.RUnlock()

	log := h.tagged("track")
	if !booted {
		log.Warn("start tracking called before boot")
		return ErrNotBooted
	}
	if tracking {
		return nil
	}

	s := stream.Settings()
	log.Info("starting tracking", "stream", stream.ID(), "width", s.Width, "height", s.Height)
	res, err := capab.Command(adapter.CmdStartTracking, stream)
	if err != nil || !res.OK {
		h.setPill(calibration.PillTracking, "failed")
		if err == nil {
			log.Error("start tracking returned false")
			err = fmt.Errorf("%w: sdk returned false", ErrTrackingStart)
		} else {
			log.Error("start tracking failed", "error", err)
			err = fmt.Errorf("%w: %w", ErrTrackingStart, err)
		}
		h.presenter.SetStatus(UserMessage(err))
		return err
	}

	h.mu.Lock()
	h.tracking = true
	h.mu.Unlock()
	h.setPill(calibration.PillTracking, "running")
	log.Info("tracking started")
	return nil
}

// StopTracking ends any calibration session and stops tracking.
func (h *Harness) StopTracking() error {
	h.ctl.Lock()
	defer h.ctl.Unlock()

	h.endSession()

	h.mu.Lock()
	capab, tracking := h.cap, h.tracking
	h.tracking = false
	h.mu.Unlock()
	if !tracking {
		return nil
	}

	h.presenter.HideGaze()
	if _, err := capab.Command(adapter.CmdStopTracking); err != nil {
		h.tagged("track").Error("stop tracking failed", "error", err)
		return err
	}
	h.setPill(calibration.PillTracking, "stopped")
	h.tagged("track").Info("stopped")
	return nil
}

// Calibrate starts a new calibration session with points targets. Tracking
// is started first when it is not running, and the previous session is torn
// down. A point count below one uses the configured default.
func (h *Harness) Calibrate(points int) (*calibration.Orchestrator, error) {
	h.ctl.Lock()
	defer h.ctl.Unlock()

	h.mu.RLock()
	booted, capab, tracking := h.booted, h.cap, h.tracking
	h.mu.RUnlock()
	if !booted {
		h.tagged("cal").Warn("calibrate called before boot")
		return nil, ErrNotBooted
	}
	if !tracking {
		h.tagged("ui").Warn("tracking not running; starting tracking first")
		if err := h.startTracking(); err != nil {
			return nil, err
		}
	}

	h.endSession()

	cfg := h.cfg.Calibration
	if points < 1 {
		points = cfg.PointCount
	}
	if points < 1 {
		points = 1
	}
	cfg.PointCount = points

	opts := []calibration.Option{
		calibration.WithClock(h.clock),
		calibration.WithLogger(h.base),
	}
	if h.frames != nil {
		opts = append(opts, calibration.WithFrameWaiter(h.frames))
	}
	o, err := calibration.New(capab, pillRecorder{h}, cfg, opts...)
	if err != nil {
		return nil, err
	}

	h.obs.resetCalibration()
	h.mu.Lock()
	h.session = o
	h.mu.Unlock()

	if err := o.Start(); err != nil {
		return nil, err
	}
	go h.watch(o)
	return o, nil
}

// watch logs the outcome of a session.
func (h *Harness) watch(o *calibration.Orchestrator) {
	<-o.Done()
	snap := o.Snapshot()
	log := h.tagged("cal")
	if err := o.Err(); err != nil {
		log.Warn("calibration ended", "session", snap.SessionID, "status", snap.Status.String(), "restarts", snap.RestartCount, "error", err)
		return
	}
	log.Info("calibration ended", "session", snap.SessionID, "status", snap.Status.String(), "restarts", snap.RestartCount)
}

// endSession tears down the current session, if any. Caller holds h.ctl.
func (h *Harness) endSession() {
	h.mu.Lock()
	o := h.session
	h.session = nil
	h.mu.Unlock()
	if o != nil {
		o.Teardown()
	}
}

// Teardown releases the session, tracking, the SDK and the camera stream.
// Errors from the SDK are logged and swallowed. It is idempotent; Boot may
// be called again afterwards.
func (h *Harness) Teardown() {
	h.ctl.Lock()
	defer h.ctl.Unlock()

	h.endSession()

	h.mu.Lock()
	booted, capab, stream, tracking, subs := h.booted, h.cap, h.stream, h.tracking, h.subs
	timeutil.StopTimer(h.hbTimer)
	h.hbTimer = nil
	h.booted, h.cap, h.stream, h.tracking, h.subs = false, nil, nil, false, nil
	h.mu.Unlock()

	if !booted {
		return
	}
	h.tagged("boot").Info("tearing down")

	h.presenter.HideGaze()
	h.presenter.HideTarget()
	h.unsubscribe(capab, subs)
	if tracking {
		if _, err := capab.Command(adapter.CmdStopTracking); err != nil {
			h.tagged("track").Debug("stop tracking failed (ignored)", "error", err)
		}
		h.setPill(calibration.PillTracking, "stopped")
	}
	h.deinitQuietly(capab)
	h.setPill(calibration.PillSDK, "deinitialized")
	h.stopStreamQuietly(stream)
	h.setPill(calibration.PillPermission, "released")
}

func (h *Harness) deinitQuietly(capab adapter.Capability) {
	if _, err := capab.Command(adapter.CmdDeinitialize); err != nil {
		h.tagged("sdk").Debug("deinitialize failed (ignored)", "error", err)
	}
}

func (h *Harness) stopStreamQuietly(stream camera.Stream) {
	if err := stream.Stop(); err != nil {
		h.tagged("camera").Debug("stopping stream failed (ignored)", "error", err)
	}
}

func (h *Harness) unsubscribe(capab adapter.Capability, subs []adapter.Subscription) {
	for _, s := range subs {
		capab.Unsubscribe(s)
	}
}

// Session returns the current calibration session, or nil.
func (h *Harness) Session() *calibration.Orchestrator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// Pills returns a copy of the status pills.
func (h *Harness) Pills() map[string]string {
	h.pillMu.RLock()
	defer h.pillMu.RUnlock()
	out := make(map[string]string, len(h.pills))
	for k, v := range h.pills {
		out[k] = v
	}
	return out
}

func (h *Harness) pill(name string) string {
	h.pillMu.RLock()
	defer h.pillMu.RUnlock()
	return h.pills[name]
}

func (h *Harness) setPill(name, value string) {
	h.pillMu.Lock()
	h.pills[name] = value
	h.pillMu.Unlock()
	h.presenter.SetPill(name, value)
}

// State is a point-in-time view of the harness for the dashboard.
type State struct {
	Booted   bool                  `json:"booted"`
	Tracking bool                  `json:"tracking"`
	Pills    map[string]string     `json:"pills"`
	Stream   string                `json:"stream,omitempty"`
	Gaze     *gaze.Sample          `json:"gaze,omitempty"`
	Session  *calibration.Snapshot `json:"session,omitempty"`
}

// State returns the current harness state.
func (h *Harness) State() State {
	h.mu.RLock()
	st := State{Booted: h.booted, Tracking: h.tracking}
	if h.stream != nil {
		st.Stream = h.stream.ID()
	}
	o := h.session
	h.mu.RUnlock()

	st.Pills = h.Pills()
	st.Gaze = h.obs.latestGaze()
	if o != nil {
		snap := o.Snapshot()
		st.Session = &snap
	}
	return st
}

// pillRecorder is the Presenter handed to sessions. It records pills so the
// heartbeat and the dashboard can report them.
type pillRecorder struct{ h *Harness }

func (p pillRecorder) SetStatus(text string)      { p.h.presenter.SetStatus(text) }
func (p pillRecorder) SetPill(name, value string) { p.h.setPill(name, value) }
func (p pillRecorder) ShowTarget(x, y float64)    { p.h.presenter.ShowTarget(x, y) }
func (p pillRecorder) HideTarget()                { p.h.presenter.HideTarget() }
func (p pillRecorder) ShowGaze(x, y float64)      { p.h.presenter.ShowGaze(x, y) }
func (p pillRecorder) HideGaze()                  { p.h.presenter.HideGaze() }

var _ calibration.Presenter = pillRecorder{}

func sinceMs(now, t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return now.Sub(t).Milliseconds()
}

// SetCameraConfig replaces the capture request used by the next Boot.
func (h *Harness) SetCameraConfig(cfg camera.Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("harness: invalid camera config: %v", errs)
	}
	h.ctl.Lock()
	defer h.ctl.Unlock()
	h.cfg.Camera = cfg
	return nil
}
