package camera

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermissionDenied is matched by every PermissionError.
var ErrPermissionDenied = errors.New("camera: permission denied")

// ErrNoDevice is returned when no capture device is available.
var ErrNoDevice = errors.New("camera: no capture device")

// PermissionError reports a refused capture request.
type PermissionError struct {
	Source string // which source refused, e.g. "browser"
	Reason string // e.g. "NotAllowedError: Permission denied"
}

func (e *PermissionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("camera: %s: permission denied", e.Source)
	}
	return fmt.Sprintf("camera: %s: permission denied: %s", e.Source, e.Reason)
}

// Is reports whether target is ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Settings are the actual capture parameters a stream delivers.
type Settings struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	Facing    string  `json:"facing,omitempty"`
	Label     string  `json:"label,omitempty"`
}

// Stream is an acquired video-only capture. It satisfies sdk.VideoStream.
type Stream interface {
	ID() string
	Settings() Settings
	// Stop releases the capture. It is safe to call more than once.
	Stop() error
}

// Source acquires capture streams.
type Source interface {
	Acquire(ctx context.Context, cfg Config) (Stream, error)
}

// FrameSink receives encoded JPEG preview frames.
type FrameSink func(jpeg []byte)

// FrameSource is implemented by streams that keep their most recent frame.
type FrameSource interface {
	// LatestJPEG returns a copy of the newest frame, or nil before the first.
	LatestJPEG() []byte
}
