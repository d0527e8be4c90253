package sim

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-gazecal/pkg/camera"
)

// Camera is a camera.Source that grants or refuses access without hardware.
type Camera struct {
	DenyPermission bool

	mu      sync.Mutex
	granted int
}

// Acquire returns a frameless stream with the requested settings.
func (c *Camera) Acquire(ctx context.Context, cfg camera.Config) (camera.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.DenyPermission {
		return nil, &camera.PermissionError{Source: "sim", Reason: "NotAllowedError: Permission denied"}
	}

	c.mu.Lock()
	c.granted++
	c.mu.Unlock()

	return &stream{
		id: uuid.NewString(),
		settings: camera.Settings{
			Width:     cfg.Width,
			Height:    cfg.Height,
			FrameRate: float64(cfg.Framerate),
			Facing:    cfg.Facing,
			Label:     "sim camera",
		},
	}, nil
}

// Granted returns how many streams have been handed out.
func (c *Camera) Granted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granted
}

type stream struct {
	id       string
	settings camera.Settings

	mu      sync.Mutex
	stopped bool
}

func (s *stream) ID() string                { return s.id }
func (s *stream) Settings() camera.Settings { return s.settings }

func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Stopped reports whether Stop has been called.
func (s *stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
