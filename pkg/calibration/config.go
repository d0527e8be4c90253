package calibration

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-gazecal/pkg/readiness"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// Config holds all tunable parameters for a calibration session.
// The watchdog thresholds are empirical; tune them per camera and SDK build.
type Config struct {
	// Session
	PointCount int          // Calibration targets requested from the SDK (>= 1)
	Accuracy   sdk.Accuracy // Accuracy criteria passed to start-calibration

	// Readiness
	MinStableDuration time.Duration // Unbroken SUCCESS run required before starting
	ReadyTimeout      time.Duration // Give up waiting for stable tracking after this

	// Target presentation
	SettleDelay   time.Duration // Wait after the target painted before collecting samples
	FrameFallback time.Duration // Frame boundary estimate when no FrameWaiter is set

	// Watchdogs
	NoNextPointGrace      time.Duration // Target must arrive (and be acknowledged) within this
	ZeroProgressTick      time.Duration // Zero-progress watchdog period
	ZeroProgressThreshold time.Duration // Cumulative zero progress before a stall
	RecollectInterval     time.Duration // Re-issue sample collection this often while stuck

	// Recovery
	MaxRestarts  int           // Automatic restarts per attempt
	RestartDelay time.Duration // Pause in RESTARTING before preparing again (0 = immediate)
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		PointCount: 1,
		Accuracy:   sdk.AccuracyDefault,

		MinStableDuration: readiness.DefaultMinStable, // 850ms
		ReadyTimeout:      readiness.DefaultTimeout,   // 10s

		SettleDelay:   300 * time.Millisecond,
		FrameFallback: 16 * time.Millisecond, // one 60Hz frame

		NoNextPointGrace:      1500 * time.Millisecond,
		ZeroProgressTick:      500 * time.Millisecond,
		ZeroProgressThreshold: 8 * time.Second,
		RecollectInterval:     2 * time.Second,

		MaxRestarts:  1,
		RestartDelay: 0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.PointCount < 1 {
		errs = append(errs, fmt.Errorf("point count must be >= 1, got %d", c.PointCount))
	}
	if c.MinStableDuration < 0 {
		errs = append(errs, errors.New("min stable duration must not be negative"))
	}
	if c.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("ready timeout must be positive"))
	}
	if c.SettleDelay < 0 || c.FrameFallback < 0 {
		errs = append(errs, errors.New("settle delay and frame fallback must not be negative"))
	}
	if c.NoNextPointGrace <= 0 {
		errs = append(errs, errors.New("no-next-point grace must be positive"))
	}
	if c.ZeroProgressTick <= 0 {
		errs = append(errs, errors.New("zero-progress tick must be positive"))
	}
	if c.ZeroProgressThreshold < c.ZeroProgressTick {
		errs = append(errs, errors.New("zero-progress threshold must be at least one tick"))
	}
	if c.RecollectInterval < 0 {
		errs = append(errs, errors.New("recollect interval must not be negative"))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, errors.New("max restarts must not be negative"))
	}
	if c.RestartDelay < 0 {
		errs = append(errs, errors.New("restart delay must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("calibration: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
