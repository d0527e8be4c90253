// Package sim is an in-process vendor SDK in constructor-injected-callback
// style. It behaves like the webcam SDK closely enough to exercise the
// calibration flow without a browser: tracking warms up with a flicker,
// calibration targets are announced asynchronously, and sample collection
// started before a target is painted leaves progress stuck at 0%.
//
// Coordinates are normalized to the viewport (0..1).
package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// Shape selects how calibration progress is reported.
type Shape string

const (
	ShapeNumber Shape = "number" // float64
	ShapeObject Shape = "object" // map[string]any{"progress": p}
	ShapeRatio  Shape = "ratio"  // map[string]any{"ratio": p}
	ShapeJSON   Shape = "json"   // json.RawMessage `{"value":p}`
)

// Config controls the simulated SDK
type Config struct {
	// === Engine ===
	InitCode   sdk.ErrorCode // Non-zero makes Init report this failure
	RequireKey bool          // Reject an empty license key with ErrorAuthInvalidKey

	// === Tracking ===
	TickInterval  time.Duration // Gaze sample period (~30 Hz)
	Warmup        time.Duration // Tracking flickers for this long after start
	DebugInterval time.Duration // Period of debug payloads (0 = off)

	// === Calibration ===
	NextPointDelay     time.Duration // From start (or point done) to the next target
	PaintTime          time.Duration // Collecting sooner than this after a target sticks at 0%
	PointDuration      time.Duration // Sustained SUCCESS needed to finish one target
	DropFirstNextPoint bool          // The first calibration after init never announces a target
	Shape              Shape
}

// DefaultConfig returns timings close to the real SDK.
func DefaultConfig() Config {
	return Config{
		TickInterval:  33 * time.Millisecond,
		Warmup:        400 * time.Millisecond,
		DebugInterval: time.Second,

		NextPointDelay: 100 * time.Millisecond,
		PaintTime:      150 * time.Millisecond,
		PointDuration:  1200 * time.Millisecond,
		Shape:          ShapeNumber,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.PointDuration <= 0 {
		errs = append(errs, errors.New("point duration must be positive"))
	}
	if c.Warmup < 0 || c.DebugInterval < 0 || c.NextPointDelay < 0 || c.PaintTime < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	switch c.Shape {
	case ShapeNumber, ShapeObject, ShapeRatio, ShapeJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown progress shape %q", c.Shape))
	}
	if len(errs) > 0 {
		return fmt.Errorf("sim: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
