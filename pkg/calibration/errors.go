package calibration

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-gazecal/pkg/readiness"
)

var (
	// ErrTrackingNotReady means tracking never held SUCCESS long enough.
	ErrTrackingNotReady = errors.New("calibration: tracking not ready")

	// ErrStartRejected means the SDK returned a falsy result from start-calibration.
	ErrStartRejected = errors.New("calibration: start rejected by sdk")

	// ErrNotStarted means start-calibration raised instead of returning.
	ErrNotStarted = errors.New("calibration: not started")

	// ErrStalled is matched by every StalledError.
	ErrStalled = errors.New("calibration: stalled")

	// ErrCancelled means the session was torn down before it finished.
	ErrCancelled = errors.New("calibration: cancelled")

	// ErrAlreadyStarted is returned by Start on a used orchestrator.
	ErrAlreadyStarted = errors.New("calibration: orchestrator already started")
)

// StallReason says which watchdog fired.
type StallReason int

const (
	StallNoNextPoint StallReason = iota
	StallZeroProgress
)

func (r StallReason) String() string {
	if r == StallZeroProgress {
		return "zero_progress"
	}
	return "no_next_point"
}

// StalledError is the terminal failure after automatic restarts ran out.
type StalledError struct {
	Reason   StallReason
	Detail   string // e.g. "calibration target never received"
	Restarts int
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("calibration: stalled (%s) after %d restart(s): %s", e.Reason, e.Restarts, e.Detail)
}

// Is reports whether target is ErrStalled.
func (e *StalledError) Is(target error) bool {
	return target == ErrStalled
}

// UserMessage returns the status line shown for a terminal calibration error.
func UserMessage(err error) string {
	var stalled *StalledError
	switch {
	case err == nil:
		return "Calibration complete"
	case errors.As(err, &stalled):
		if stalled.Reason == StallZeroProgress {
			return "Calibration stalled at 0%. Keep your face centred and well lit, then try again."
		}
		return "Calibration failed: " + stalled.Detail + ". Try calibrating again."
	case errors.Is(err, ErrTrackingNotReady):
		return "Tracking never became stable. Check lighting and face the camera, then try again."
	case errors.Is(err, ErrStartRejected):
		return "The eye tracker refused to start calibration. Is tracking running?"
	case errors.Is(err, ErrNotStarted):
		return "Calibration could not be started: the eye tracker raised an error."
	case errors.Is(err, ErrCancelled):
		return "Calibration cancelled"
	}
	return "Calibration failed: " + err.Error()
}

func notReady(err error) error {
	if errors.Is(err, readiness.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTrackingNotReady, err)
	}
	return fmt.Errorf("%w: %v", ErrTrackingNotReady, err)
}
