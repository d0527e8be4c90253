package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/facedetect"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

var (
	ErrNotInitialized = errors.New("sim: engine not initialized")
	ErrNoTarget       = errors.New("sim: no calibration target shown")
)

// Option configures an SDK.
type Option func(*SDK)

// WithClock sets the clock driving ticks and timers.
func WithClock(c timeutil.Clock) Option {
	return func(s *SDK) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SDK) { s.logger = l }
}

// WithDetector derives the tracking state from face detection on the
// stream's frames. Streams that do not expose frames keep the scripted state.
func WithDetector(d facedetect.Detector, cfg facedetect.Config) Option {
	return func(s *SDK) {
		s.detector = d
		s.detCfg = cfg
	}
}

// SDK is the simulated engine. It implements sdk.InjectedSDK.
type SDK struct {
	cfg      Config
	clock    timeutil.Clock
	logger   *slog.Logger
	detector facedetect.Detector
	detCfg   facedetect.Config

	mu           sync.Mutex
	initialized  bool
	calibrations int // started since the last Init
	track        *tracking
	cal          *calibration
}

type tracking struct {
	stream    sdk.VideoStream
	frames    camera.FrameSource
	onGaze    func(sdk.GazeInfo)
	onDebug   func(any)
	started   time.Time
	ticks     int
	timer     timeutil.Timer
	lastDebug time.Time
}

type calibration struct {
	onNext     func(x, y float64)
	onProgress func(any)
	onFinish   func(any)
	criteria   sdk.Accuracy
	points     []gaze.Point
	index      int
	shown      bool
	shownAt    time.Time
	collecting bool
	stuck      bool
	done       float64 // progress on the current target
	timer      timeutil.Timer
}

// New creates a simulated SDK.
func New(cfg Config, opts ...Option) (*SDK, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &SDK{
		cfg:    cfg,
		clock:  timeutil.RealClock{},
		logger: slog.Default().With("component", "sim"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init reports the configured outcome before returning.
func (s *SDK) Init(licenseKey string, opts sdk.InitOptions, onSuccess func(), onFailure func(sdk.ErrorCode)) error {
	if onSuccess == nil || onFailure == nil {
		return errors.New("sim: init callbacks are required")
	}

	code := s.cfg.InitCode
	if s.cfg.RequireKey && licenseKey == "" {
		code = sdk.ErrorAuthInvalidKey
	}
	if code != sdk.ErrorNone {
		s.logger.Warn("init failed", "code", int(code), "reason", code.Description())
		onFailure(code)
		return nil
	}

	s.mu.Lock()
	s.initialized = true
	s.calibrations = 0
	s.mu.Unlock()

	s.logger.Info("engine initialized",
		"attention", opts.UseAttention,
		"blink", opts.UseBlink,
		"drowsiness", opts.UseDrowsiness)
	onSuccess()
	return nil
}

// StartTracking begins emitting gaze samples every TickInterval.
func (s *SDK) StartTracking(stream sdk.VideoStream, onGaze func(sdk.GazeInfo), onDebug func(any)) (bool, error) {
	if stream == nil {
		return false, errors.New("sim: nil stream")
	}
	if onGaze == nil {
		return false, errors.New("sim: gaze callback is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, ErrNotInitialized
	}
	s.stopTrackingLocked()

	tr := &tracking{
		stream:  stream,
		onGaze:  onGaze,
		onDebug: onDebug,
		started: s.clock.Now(),
	}
	if fs, ok := stream.(camera.FrameSource); ok && s.detector != nil {
		tr.frames = fs
	}
	tr.lastDebug = tr.started
	tr.timer = s.clock.AfterFunc(s.cfg.TickInterval, func() { s.tick(tr) })
	s.track = tr

	s.logger.Info("tracking started", "stream", stream.ID(), "face_detection", tr.frames != nil)
	return true, nil
}

// StartCalibration accepts a calibration while tracking is running. The
// first target is announced after NextPointDelay.
func (s *SDK) StartCalibration(onNextPoint func(x, y float64), onProgress func(any), onFinish func(any), points int, criteria sdk.Accuracy) (bool, error) {
	if onNextPoint == nil || onProgress == nil || onFinish == nil {
		return false, errors.New("sim: calibration callbacks are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		s.logger.Warn("calibration refused, tracking not running")
		return false, nil
	}
	if points < 1 {
		return false, nil
	}
	s.stopCalibrationLocked()
	s.calibrations++

	cal := &calibration{
		onNext:     onNextPoint,
		onProgress: onProgress,
		onFinish:   onFinish,
		criteria:   criteria,
		points:     Targets(points),
	}
	s.cal = cal

	if s.cfg.DropFirstNextPoint && s.calibrations == 1 {
		s.logger.Warn("dropping first next-point", "points", points)
		return true, nil
	}
	cal.timer = s.clock.AfterFunc(s.cfg.NextPointDelay, func() { s.announce(cal) })
	s.logger.Debug("calibration started", "points", points, "criteria", criteria.String())
	return true, nil
}

// StartCollectSamples starts collection on the shown target. Collection that
// begins before the target has been painted never advances.
func (s *SDK) StartCollectSamples() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cal := s.cal
	if cal == nil || !cal.shown {
		return nil, ErrNoTarget
	}
	since := s.clock.Since(cal.shownAt)
	cal.stuck = since < s.cfg.PaintTime
	cal.collecting = true
	if cal.stuck {
		s.logger.Debug("collection started before paint", "since_ms", since.Milliseconds())
	}
	return nil, nil
}

// StopCalibration abandons the current calibration.
func (s *SDK) StopCalibration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalibrationLocked()
	return nil
}

// StopTracking stops gaze samples and any calibration.
func (s *SDK) StopTracking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalibrationLocked()
	s.stopTrackingLocked()
	return nil
}

// Deinit releases the engine.
func (s *SDK) Deinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalibrationLocked()
	s.stopTrackingLocked()
	s.initialized = false
	return nil
}

func (s *SDK) stopTrackingLocked() {
	if s.track == nil {
		return
	}
	timeutil.StopTimer(s.track.timer)
	s.track = nil
}

func (s *SDK) stopCalibrationLocked() {
	if s.cal == nil {
		return
	}
	timeutil.StopTimer(s.cal.timer)
	s.cal = nil
}

func (s *SDK) announce(cal *calibration) {
	s.mu.Lock()
	if s.cal != cal || cal.index >= len(cal.points) {
		s.mu.Unlock()
		return
	}
	pt := cal.points[cal.index]
	cal.timer = nil
	cal.shown = true
	cal.shownAt = s.clock.Now()
	cal.collecting = false
	cal.stuck = false
	cal.done = 0
	onNext := cal.onNext
	s.mu.Unlock()

	s.logger.Debug("next point", "index", cal.index, "x", pt.X, "y", pt.Y)
	onNext(pt.X, pt.Y)
}

func (s *SDK) tick(tr *tracking) {
	s.mu.Lock()
	if s.track != tr {
		s.mu.Unlock()
		return
	}
	tr.ticks++
	n := tr.ticks
	elapsed := s.clock.Since(tr.started)
	s.mu.Unlock()

	// Detection runs unlocked
	state := s.observe(tr.frames, n, elapsed)

	s.mu.Lock()
	if s.track != tr {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	var emit []func()

	info := sdk.GazeInfo{Timestamp: now.UnixMilli(), TrackingState: state}
	if state == gaze.Success {
		info.X, info.Y = s.gazeAt(n)
	}
	onGaze := tr.onGaze
	emit = append(emit, func() { onGaze(info) })

	if s.cal != nil {
		emit = append(emit, s.advanceLocked(s.cal, state)...)
	}

	if s.cfg.DebugInterval > 0 && tr.onDebug != nil && now.Sub(tr.lastDebug) >= s.cfg.DebugInterval {
		fps := float64(n) / elapsed.Seconds()
		payload := map[string]any{
			"fps":   math.Round(fps*10) / 10,
			"state": state.String(),
			"ticks": n,
		}
		tr.lastDebug = now
		onDebug := tr.onDebug
		emit = append(emit, func() { onDebug(payload) })
	}

	tr.timer = s.clock.AfterFunc(s.cfg.TickInterval, func() { s.tick(tr) })
	s.mu.Unlock()

	for _, f := range emit {
		f()
	}
}

// observe returns the tracking state for tick n. Without frames the state
// flickers through the warm-up window and is SUCCESS afterwards.
func (s *SDK) observe(frames camera.FrameSource, n int, elapsed time.Duration) gaze.TrackingState {
	if frames != nil {
		jpeg := frames.LatestJPEG()
		if jpeg == nil {
			return gaze.Unknown
		}
		dets, err := s.detector.Detect(jpeg)
		if err != nil {
			s.logger.Debug("face detection failed", "error", err)
			return gaze.Unknown
		}
		v := facedetect.Classify(dets, s.detCfg)
		if v.State != gaze.Success {
			s.logger.Debug("frame not trackable", "state", v.State.String(), "reason", v.Reason)
		}
		return v.State
	}

	if elapsed < s.cfg.Warmup {
		switch n % 4 {
		case 0:
			return gaze.FaceMissing
		case 2:
			return gaze.LowConfidence
		}
	}
	return gaze.Success
}

// gazeAt returns the estimated gaze point. During calibration the user looks
// at the target; otherwise the gaze wanders around the viewport centre.
func (s *SDK) gazeAt(n int) (x, y float64) {
	t := float64(n) * s.cfg.TickInterval.Seconds()
	jx, jy := 0.01*math.Sin(t*9), 0.01*math.Cos(t*7)
	if s.cal != nil && s.cal.shown {
		pt := s.cal.points[s.cal.index]
		return pt.X + jx, pt.Y + jy
	}
	return 0.5 + 0.3*math.Sin(t*0.7) + jx, 0.5 + 0.2*math.Sin(t*1.1) + jy
}

// advanceLocked accumulates collection on the shown target and returns the
// callbacks to deliver once the lock is released.
func (s *SDK) advanceLocked(cal *calibration, state gaze.TrackingState) []func() {
	if !cal.shown || !cal.collecting {
		return nil
	}
	total := len(cal.points)
	onProgress := cal.onProgress

	if cal.stuck {
		raw := s.shape(float64(cal.index) / float64(total))
		return []func(){func() { onProgress(raw) }}
	}
	if state != gaze.Success {
		return nil
	}

	cal.done += float64(s.cfg.TickInterval) / float64(s.cfg.PointDuration)
	if cal.done < 1 {
		raw := s.shape((float64(cal.index) + cal.done) / float64(total))
		return []func(){func() { onProgress(raw) }}
	}

	cal.done = 1
	cal.index++
	cal.shown = false
	cal.collecting = false
	raw := s.shape(float64(cal.index) / float64(total))
	emit := []func(){func() { onProgress(raw) }}

	if cal.index < total {
		cal.timer = s.clock.AfterFunc(s.cfg.NextPointDelay, func() { s.announce(cal) })
		return emit
	}

	s.cal = nil
	onFinish := cal.onFinish
	data := map[string]any{
		"points":   total,
		"criteria": cal.criteria.String(),
		"data":     fmt.Sprintf("sim-calibration-%d", total),
	}
	s.logger.Info("calibration finished", "points", total)
	return append(emit, func() { onFinish(data) })
}

// shape renders a progress ratio the way the configured vendor build does.
func (s *SDK) shape(p float64) any {
	switch s.cfg.Shape {
	case ShapeObject:
		return map[string]any{"progress": p}
	case ShapeRatio:
		return map[string]any{"ratio": p}
	case ShapeJSON:
		b, _ := json.Marshal(map[string]float64{"value": p})
		return json.RawMessage(b)
	default:
		return p
	}
}

// Targets returns n calibration targets: the centre first, then points on
// an ellipse around it.
func Targets(n int) []gaze.Point {
	if n < 1 {
		return nil
	}
	pts := []gaze.Point{{X: 0.5, Y: 0.5}}
	for i := 1; i < n; i++ {
		a := 2 * math.Pi * float64(i-1) / float64(n-1)
		pts = append(pts, gaze.Point{
			X: math.Round((0.5+0.4*math.Cos(a))*1000) / 1000,
			Y: math.Round((0.5+0.4*math.Sin(a))*1000) / 1000,
		})
	}
	return pts
}

var _ sdk.InjectedSDK = (*SDK)(nil)
