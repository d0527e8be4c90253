package harness

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-gazecal/pkg/calibration"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

var (
	// ErrSDKLoad means the vendor SDK driver could not be opened.
	ErrSDKLoad = errors.New("harness: sdk load failed")

	// ErrSDKInit is matched by every InitError.
	ErrSDKInit = errors.New("harness: sdk init failed")

	// ErrTrackingStart means start-tracking raised or returned false.
	ErrTrackingStart = errors.New("harness: tracking start failed")

	// ErrNotBooted is returned by operations that need a booted SDK.
	ErrNotBooted = errors.New("harness: not booted")

	// ErrAlreadyBooted is returned by Boot before Teardown.
	ErrAlreadyBooted = errors.New("harness: already booted")
)

// InitError is a failed SDK initialization.
type InitError struct {
	Code sdk.ErrorCode
	Err  error // set when initialize raised instead of returning a code
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("harness: sdk init raised: %v", e.Err)
	}
	return fmt.Sprintf("harness: sdk init failed: %s", e.Code)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrSDKInit.
func (e *InitError) Is(target error) bool {
	return target == ErrSDKInit
}

// UserMessage returns the status line for err. Calibration errors are
// described by calibration.UserMessage.
func UserMessage(err error) string {
	var ie *InitError
	switch {
	case err == nil:
		return "Ready"
	case errors.Is(err, camera.ErrPermissionDenied):
		return "Camera permission denied. Allow camera access for this page and reload."
	case errors.Is(err, camera.ErrNoDevice):
		return "No camera found. Connect a webcam and reload."
	case errors.Is(err, ErrSDKLoad):
		return "The eye tracking SDK failed to load."
	case errors.As(err, &ie):
		if ie.Err != nil {
			return "The eye tracking SDK raised an error during initialization."
		}
		if ie.Code == sdk.ErrorAuthInvalidOrigin {
			return "The license key is not valid for this origin. Serve the page from a registered origin."
		}
		return "Eye tracking SDK initialization failed: " + ie.Code.Description() + "."
	case errors.Is(err, ErrTrackingStart):
		return "Tracking could not be started. Check the camera and try again."
	case errors.Is(err, ErrNotBooted):
		return "The eye tracker is not initialized yet."
	}
	return calibration.UserMessage(err)
}
