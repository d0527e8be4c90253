// Package gocvcam captures from a local video device with OpenCV.
package gocvcam

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-gazecal/pkg/camera"
)

// Frames darker than this mean channel value are treated as sensor warm-up.
const blankThreshold = 8.0

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithFrameSink registers a callback for every encoded preview frame.
func WithFrameSink(sink camera.FrameSink) Option {
	return func(s *Source) { s.sink = sink }
}

// Source opens local capture devices. It implements camera.Source.
type Source struct {
	logger *slog.Logger
	sink   camera.FrameSink
}

// New creates a device source.
func New(opts ...Option) *Source {
	s := &Source{logger: slog.Default().With("component", "gocvcam")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire opens cfg.DeviceID and starts a capture goroutine.
func (s *Source) Acquire(ctx context.Context, cfg camera.Config) (camera.Stream, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("gocvcam: invalid config: %v", errs)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vc, err := gocv.OpenVideoCapture(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", camera.ErrNoDevice, cfg.DeviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: device %d", camera.ErrNoDevice, cfg.DeviceID)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	st := &stream{
		id:      uuid.NewString(),
		vc:      vc,
		cfg:     cfg,
		sink:    s.sink,
		logger:  s.logger,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	st.settings = camera.Settings{
		Width:     int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:    int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FrameRate: vc.Get(gocv.VideoCaptureFPS),
		Facing:    cfg.Facing,
		Label:     fmt.Sprintf("video%d", cfg.DeviceID),
	}

	s.logger.Info("camera opened",
		"device", cfg.DeviceID,
		"width", st.settings.Width,
		"height", st.settings.Height,
		"fps", st.settings.FrameRate)

	go st.loop()
	return st, nil
}

type stream struct {
	id       string
	vc       *gocv.VideoCapture
	cfg      camera.Config
	settings camera.Settings
	sink     camera.FrameSink
	logger   *slog.Logger

	frameMu     sync.RWMutex
	latestFrame []byte

	stopOnce sync.Once
	quit     chan struct{}
	stopped  chan struct{}
}

func (st *stream) ID() string                { return st.id }
func (st *stream) Settings() camera.Settings { return st.settings }

// LatestJPEG returns the most recently encoded frame.
func (st *stream) LatestJPEG() []byte {
	st.frameMu.RLock()
	defer st.frameMu.RUnlock()

	if st.latestFrame == nil {
		return nil
	}
	frame := make([]byte, len(st.latestFrame))
	copy(frame, st.latestFrame)
	return frame
}

// Stop ends the capture loop and releases the device.
func (st *stream) Stop() error {
	st.stopOnce.Do(func() { close(st.quit) })
	<-st.stopped
	return nil
}

func (st *stream) loop() {
	defer close(st.stopped)
	defer st.vc.Close()

	img := gocv.NewMat()
	defer img.Close()
	preview := gocv.NewMat()
	defer preview.Close()

	misses := 0
	for {
		select {
		case <-st.quit:
			st.logger.Info("camera closed", "stream", st.id)
			return
		default:
		}

		if ok := st.vc.Read(&img); !ok || img.Empty() {
			misses++
			if misses == 30 {
				st.logger.Warn("camera delivering no frames", "stream", st.id)
			}
			continue
		}
		misses = 0

		if isBlank(img) {
			continue
		}

		out := img
		if w := st.cfg.PreviewWidth; w > 0 && img.Cols() > w {
			h := img.Rows() * w / img.Cols()
			gocv.Resize(img, &preview, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
			out = preview
		}

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, out, []int{int(gocv.IMWriteJpegQuality), st.cfg.Quality})
		if err != nil {
			st.logger.Debug("encode failed", "error", err)
			continue
		}
		frame := append([]byte(nil), buf.GetBytes()...)
		buf.Close()

		st.frameMu.Lock()
		st.latestFrame = frame
		st.frameMu.Unlock()

		if st.sink != nil {
			st.sink(frame)
		}
	}
}

// isBlank reports whether every channel's mean is near black.
func isBlank(img gocv.Mat) bool {
	m := img.Mean()
	return m.Val1 < blankThreshold && m.Val2 < blankThreshold && m.Val3 < blankThreshold
}

// CaptureJPEG opens a device, grabs one non-blank frame and closes it again.
func CaptureJPEG(deviceID, quality int) ([]byte, error) {
	vc, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", camera.ErrNoDevice, deviceID, err)
	}
	defer vc.Close()
	if !vc.IsOpened() {
		return nil, fmt.Errorf("%w: device %d", camera.ErrNoDevice, deviceID)
	}

	img := gocv.NewMat()
	defer img.Close()

	// The first frames of many webcams are black while exposure settles
	for i := 0; i < 30; i++ {
		if ok := vc.Read(&img); !ok || img.Empty() || isBlank(img) {
			continue
		}
		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), quality})
		if err != nil {
			return nil, fmt.Errorf("gocvcam: encode: %w", err)
		}
		defer buf.Close()
		return append([]byte(nil), buf.GetBytes()...), nil
	}
	return nil, fmt.Errorf("gocvcam: device %d delivered no usable frame", deviceID)
}
