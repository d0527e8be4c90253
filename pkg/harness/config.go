// Package harness runs the whole calibration flow: camera, SDK load and
// init, tracking, calibration sessions and teardown. It also keeps the
// status pills and the diagnostics heartbeat that show whether vendor
// callbacks are still firing.
package harness

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-gazecal/pkg/calibration"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// Config holds configuration for a harness.
type Config struct {
	// Driver is the adapter registry name of the vendor SDK ("sim", "browser").
	Driver string

	// DSN is passed to the driver factory.
	DSN string

	// LicenseKey is handed to initialize. It is never logged.
	LicenseKey string

	// InitOptions toggles the vendor's user-status models.
	InitOptions sdk.InitOptions

	// Camera is the capture request made at boot.
	Camera camera.Config

	// Calibration is the template for every session. PointCount is
	// overridden per Calibrate call.
	Calibration calibration.Config

	// HeartbeatInterval is the period of the diagnostics heartbeat.
	HeartbeatInterval time.Duration

	// ProgressSilence is how long a running calibration may go without any
	// progress event before the heartbeat warns.
	ProgressSilence time.Duration

	// GazeLogInterval throttles gaze sample logging.
	GazeLogInterval time.Duration

	// ProgressLogInterval throttles logging of unchanged progress values.
	ProgressLogInterval time.Duration
}

// DefaultConfig returns the default harness configuration.
func DefaultConfig() Config {
	return Config{
		Driver:              "sim",
		InitOptions:         sdk.DefaultInitOptions(),
		Camera:              camera.DefaultConfig(),
		Calibration:         calibration.DefaultConfig(),
		HeartbeatInterval:   2 * time.Second,
		ProgressSilence:     2 * time.Second,
		GazeLogInterval:     500 * time.Millisecond,
		ProgressLogInterval: 300 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Driver == "" {
		errs = append(errs, errors.New("driver is required"))
	}
	if ce := c.Camera.Validate(); len(ce) > 0 {
		errs = append(errs, fmt.Errorf("camera: %v", ce))
	}
	if err := c.Calibration.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if c.ProgressSilence <= 0 {
		errs = append(errs, errors.New("progress silence must be positive"))
	}
	if c.GazeLogInterval < 0 || c.ProgressLogInterval < 0 {
		errs = append(errs, errors.New("log intervals must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("harness: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
