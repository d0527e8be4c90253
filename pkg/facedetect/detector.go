// Package facedetect estimates tracking availability from camera frames.
//
// The simulated SDK uses it to derive a per-frame TrackingState from a real
// webcam: no face is FACE_MISSING, a weak, distant or off-centre face is
// LOW_CONFIDENCE.
package facedetect

import (
	"errors"
	"fmt"
	"math"

	"github.com/teslashibe/go-gazecal/pkg/gaze"
)

// Face is one detected face in normalized frame coordinates (0-1).
type Face struct {
	X, Y     float64 // Top-left corner
	W, H     float64
	Score    float64
	RightEye gaze.Point // Subject's right eye, image left
	LeftEye  gaze.Point
}

// Center returns the centre of the bounding box.
func (f Face) Center() gaze.Point {
	return gaze.Point{X: f.X + f.W/2, Y: f.Y + f.H/2}
}

// Area returns the bounding box area as a fraction of the frame.
func (f Face) Area() float64 {
	return f.W * f.H
}

// EyeDistance returns the distance between the eyes as a fraction of the
// frame width.
func (f Face) EyeDistance() float64 {
	return math.Hypot(f.LeftEye.X-f.RightEye.X, f.LeftEye.Y-f.RightEye.Y)
}

// Detector finds faces in encoded frames.
type Detector interface {
	Detect(jpeg []byte) ([]Face, error)
	Close() error
}

// Config holds detector and classification settings.
type Config struct {
	ModelPath string // YuNet ONNX model

	// Detector
	ScoreThreshold float64 // Faces below this score are not reported
	NMSThreshold   float64
	TopK           int
	InputWidth     int // Initial model input size; replaced per frame
	InputHeight    int

	// Classification
	TrackingThreshold float64 // Below this score a face is LOW_CONFIDENCE
	MinFaceArea       float64 // Smaller faces are too far from the camera
	MinEyeDistance    float64 // Zero disables the check
	EdgeMargin        float64 // Face centres closer than this to an edge are LOW_CONFIDENCE
}

// DefaultConfig returns defaults for the YuNet 2023mar model at webcam range.
func DefaultConfig() Config {
	return Config{
		ModelPath:         "models/face_detection_yunet.onnx",
		ScoreThreshold:    0.5,
		NMSThreshold:      0.3,
		TopK:              5000,
		InputWidth:        320,
		InputHeight:       320,
		TrackingThreshold: 0.8,
		MinFaceArea:       0.01,
		MinEyeDistance:    0.03,
		EdgeMargin:        0.1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is required"))
	}
	if c.ScoreThreshold <= 0 || c.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("score threshold must be in (0,1], got %v", c.ScoreThreshold))
	}
	if c.TrackingThreshold < c.ScoreThreshold || c.TrackingThreshold > 1 {
		errs = append(errs, fmt.Errorf("tracking threshold must be in [score threshold,1], got %v", c.TrackingThreshold))
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		errs = append(errs, fmt.Errorf("input size must be positive, got %dx%d", c.InputWidth, c.InputHeight))
	}
	if c.EdgeMargin < 0 || c.EdgeMargin >= 0.5 {
		errs = append(errs, fmt.Errorf("edge margin must be in [0,0.5), got %v", c.EdgeMargin))
	}
	if len(errs) > 0 {
		return fmt.Errorf("facedetect: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Primary picks the face the user most likely is: the highest blend of
// score, relative size and closeness to the frame centre.
func Primary(faces []Face) *Face {
	if len(faces) == 0 {
		return nil
	}
	maxArea := 0.0
	for _, f := range faces {
		maxArea = math.Max(maxArea, f.Area())
	}

	var best *Face
	bestScore := math.Inf(-1)
	for i := range faces {
		f := &faces[i]
		c := f.Center()
		centrality := 1 - math.Min(1, math.Hypot(c.X-0.5, c.Y-0.5)/math.Sqrt2*2)
		size := 0.0
		if maxArea > 0 {
			size = f.Area() / maxArea
		}
		score := f.Score*0.6 + size*0.3 + centrality*0.1
		if score > bestScore {
			best, bestScore = f, score
		}
	}
	return best
}

// Verdict is the tracking state one frame supports.
type Verdict struct {
	State  gaze.TrackingState
	Face   *Face  // The face the state refers to, nil when missing
	Reason string // Why the state is not SUCCESS
}

// Classify maps one frame's faces to a tracking state.
func Classify(faces []Face, cfg Config) Verdict {
	f := Primary(faces)
	if f == nil {
		return Verdict{State: gaze.FaceMissing, Reason: "no face"}
	}
	low := func(reason string) Verdict {
		return Verdict{State: gaze.LowConfidence, Face: f, Reason: reason}
	}
	c := f.Center()
	switch {
	case f.Score < cfg.TrackingThreshold:
		return low("weak detection")
	case f.Area() < cfg.MinFaceArea:
		return low("face too small")
	case cfg.MinEyeDistance > 0 && f.EyeDistance() < cfg.MinEyeDistance:
		return low("eyes too close together")
	case c.X < cfg.EdgeMargin || c.X > 1-cfg.EdgeMargin || c.Y < cfg.EdgeMargin || c.Y > 1-cfg.EdgeMargin:
		return low("face near frame edge")
	}
	return Verdict{State: gaze.Success, Face: f}
}
