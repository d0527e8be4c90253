package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
)

// Acquire asks the page for a video-only getUserMedia stream.
// It implements camera.Source.
func (b *Bridge) Acquire(ctx context.Context, cfg camera.Config) (camera.Stream, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("bridge: invalid camera config: %v", errs)
	}

	res, err := b.request(ctx, protocol.CommandAcquireCamera, cfg)
	if err != nil {
		var pe *PageError
		if errors.As(err, &pe) {
			switch pe.Name {
			case "NotAllowedError", "SecurityError":
				return nil, &camera.PermissionError{Source: "browser", Reason: pe.Name + ": " + pe.Message}
			case "NotFoundError", "OverconstrainedError", "NotReadableError":
				return nil, fmt.Errorf("%w: %s", camera.ErrNoDevice, pe.Message)
			}
		}
		return nil, err
	}

	var s protocol.CameraSettings
	if err := res.DecodeValue(&s); err != nil {
		return nil, fmt.Errorf("bridge: camera settings: %w", err)
	}
	if s.StreamID == "" {
		return nil, fmt.Errorf("bridge: page returned a stream without id")
	}

	b.logger.Info("camera granted",
		"stream", s.StreamID,
		"width", s.Width,
		"height", s.Height,
		"fps", s.FrameRate,
		"label", s.Label)

	return &stream{
		bridge: b,
		id:     s.StreamID,
		settings: camera.Settings{
			Width:     s.Width,
			Height:    s.Height,
			FrameRate: s.FrameRate,
			Facing:    s.Facing,
			Label:     s.Label,
		},
	}, nil
}

// stream is a getUserMedia stream owned by the page
type stream struct {
	bridge   *Bridge
	id       string
	settings camera.Settings

	once sync.Once
	err  error
}

func (s *stream) ID() string                { return s.id }
func (s *stream) Settings() camera.Settings { return s.settings }

// LatestJPEG returns the newest preview frame the page has sent.
func (s *stream) LatestJPEG() []byte { return s.bridge.LatestJPEG() }

// Stop asks the page to stop the stream's tracks.
func (s *stream) Stop() error {
	s.once.Do(func() {
		_, err := s.bridge.request(context.Background(), protocol.CommandReleaseCamera, s.id)
		// The tracks end with the page
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrDisconnected) {
			err = nil
		}
		s.err = err
	})
	return s.err
}

var _ camera.Source = (*Bridge)(nil)
