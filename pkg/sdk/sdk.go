package sdk

import (
	"fmt"
	"strings"

	"github.com/teslashibe/go-gazecal/pkg/gaze"
)

// ErrorCode is the vendor initialization result.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorInit
	ErrorCameraPermission
	ErrorAuthInvalidKey
	ErrorAuthDevKeyInProd
	ErrorAuthProdKeyInDev
	ErrorAuthInvalidOrigin
	ErrorAuthInvalidSignature
	ErrorAuthExceededFreeTier
	ErrorAuthDeactivatedKey
	ErrorAuthInvalidAccess
	ErrorAuthUnknown
	ErrorAuthServer
	ErrorAuthCannotFindHost
	ErrorAuthWrongLocalTime
	ErrorAuthInvalidKeyFormat
	ErrorAuthExpiredKey
)

var errorDescriptions = map[ErrorCode]string{
	ErrorNone:                 "no error",
	ErrorInit:                 "engine initialization failed",
	ErrorCameraPermission:     "camera permission missing",
	ErrorAuthInvalidKey:       "license key is invalid",
	ErrorAuthDevKeyInProd:     "development key used in production",
	ErrorAuthProdKeyInDev:     "production key used in development",
	ErrorAuthInvalidOrigin:    "license key not valid for this origin",
	ErrorAuthInvalidSignature: "invalid app signature",
	ErrorAuthExceededFreeTier: "free tier exceeded",
	ErrorAuthDeactivatedKey:   "license key deactivated",
	ErrorAuthInvalidAccess:    "invalid access",
	ErrorAuthUnknown:          "unknown authentication error",
	ErrorAuthServer:           "authentication server error",
	ErrorAuthCannotFindHost:   "cannot reach authentication host",
	ErrorAuthWrongLocalTime:   "local clock is wrong",
	ErrorAuthInvalidKeyFormat: "license key format is invalid",
	ErrorAuthExpiredKey:       "license key expired",
}

// String returns a human-readable description including the numeric code.
func (c ErrorCode) String() string {
	if d, ok := errorDescriptions[c]; ok {
		return fmt.Sprintf("%s (code %d)", d, int(c))
	}
	return fmt.Sprintf("unrecognised error (code %d)", int(c))
}

// Description returns the human-readable text without the code.
func (c ErrorCode) Description() string {
	if d, ok := errorDescriptions[c]; ok {
		return d
	}
	return "unrecognised error"
}

// Accuracy is the calibration accuracy criteria passed to the vendor.
type Accuracy int

const (
	AccuracyDefault Accuracy = iota
	AccuracyLow
	AccuracyHigh
)

// String returns the lower-case name.
func (a Accuracy) String() string {
	switch a {
	case AccuracyLow:
		return "low"
	case AccuracyHigh:
		return "high"
	default:
		return "default"
	}
}

// ParseAccuracy accepts default, low or high (case-insensitive). Empty means default.
func ParseAccuracy(s string) (Accuracy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return AccuracyDefault, nil
	case "low":
		return AccuracyLow, nil
	case "high":
		return AccuracyHigh, nil
	}
	return AccuracyDefault, fmt.Errorf("sdk: unknown accuracy %q (want default, low or high)", s)
}

// InitOptions toggles the vendor's optional user-status models.
type InitOptions struct {
	UseAttention  bool `json:"useAttention"`
	UseBlink      bool `json:"useBlink"`
	UseDrowsiness bool `json:"useDrowsiness"`
}

// DefaultInitOptions enables every user-status model.
func DefaultInitOptions() InitOptions {
	return InitOptions{UseAttention: true, UseBlink: true, UseDrowsiness: true}
}

// GazeInfo is one gaze callback payload.
type GazeInfo struct {
	Timestamp        int64              `json:"timestamp"`
	X                float64            `json:"x"`
	Y                float64            `json:"y"`
	TrackingState    gaze.TrackingState `json:"trackingState"`
	EyeMovementState int                `json:"eyeMovementState"`
}

// VideoStream is an acquired camera stream handed to StartTracking.
type VideoStream interface {
	ID() string
}

// CallbackID identifies a registered callback for removal.
type CallbackID uint64

// CallbackSDK is the callback-registration integration shape.
type CallbackSDK interface {
	Initialize(licenseKey string, opts InitOptions) (ErrorCode, error)
	StartTracking(stream VideoStream) (bool, error)
	StartCalibration(points int, criteria Accuracy) (bool, error)
	StartCollectSamples() (any, error)
	StopCalibration() error
	StopTracking() error
	Deinitialize() error

	AddGazeCallback(fn func(GazeInfo)) CallbackID
	RemoveGazeCallback(id CallbackID)
	AddCalibrationNextPointCallback(fn func(x, y float64)) CallbackID
	RemoveCalibrationNextPointCallback(id CallbackID)
	AddCalibrationProgressCallback(fn func(raw any)) CallbackID
	RemoveCalibrationProgressCallback(id CallbackID)
	AddCalibrationFinishCallback(fn func(data any)) CallbackID
	RemoveCalibrationFinishCallback(id CallbackID)
	AddDebugCallback(fn func(info any)) CallbackID
	RemoveDebugCallback(id CallbackID)
}

// InjectedSDK is the constructor-injected-callback integration shape.
// Init reports its outcome through onSuccess or onFailure, which may fire
// before Init returns.
type InjectedSDK interface {
	Init(licenseKey string, opts InitOptions, onSuccess func(), onFailure func(ErrorCode)) error
	StartTracking(stream VideoStream, onGaze func(GazeInfo), onDebug func(info any)) (bool, error)
	StartCalibration(onNextPoint func(x, y float64), onProgress func(raw any), onFinish func(data any), points int, criteria Accuracy) (bool, error)
	StartCollectSamples() (any, error)
	StopCalibration() error
	StopTracking() error
	Deinit() error
}
