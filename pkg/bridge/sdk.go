package bridge

import (
	"context"

	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// Initialize initializes the vendor SDK on the page.
func (b *Bridge) Initialize(licenseKey string, opts sdk.InitOptions) (sdk.ErrorCode, error) {
	res, err := b.request(context.Background(), string(adapter.CmdInitialize), licenseKey, opts)
	if err != nil {
		return sdk.ErrorNone, err
	}
	return sdk.ErrorCode(res.Code), nil
}

// StartTracking starts tracking on the page's camera stream.
func (b *Bridge) StartTracking(stream sdk.VideoStream) (bool, error) {
	res, err := b.request(context.Background(), string(adapter.CmdStartTracking), stream.ID())
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// StartCalibration asks the page to start a calibration.
func (b *Bridge) StartCalibration(points int, criteria sdk.Accuracy) (bool, error) {
	res, err := b.request(context.Background(), string(adapter.CmdStartCalibration), points, int(criteria))
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// StartCollectSamples starts sample collection on the shown target.
func (b *Bridge) StartCollectSamples() (any, error) {
	res, err := b.request(context.Background(), string(adapter.CmdStartCollectSamples))
	if err != nil {
		return nil, err
	}
	return res.AnyValue(), nil
}

func (b *Bridge) simple(name adapter.CommandName) error {
	_, err := b.request(context.Background(), string(name))
	return err
}

// StopCalibration stops the calibration.
func (b *Bridge) StopCalibration() error { return b.simple(adapter.CmdStopCalibration) }

// StopTracking stops tracking.
func (b *Bridge) StopTracking() error { return b.simple(adapter.CmdStopTracking) }

// Deinitialize releases the vendor SDK.
func (b *Bridge) Deinitialize() error { return b.simple(adapter.CmdDeinitialize) }

func (b *Bridge) AddGazeCallback(fn func(sdk.GazeInfo)) sdk.CallbackID {
	return add(b.callbacks, b.callbacks.gaze, fn)
}

func (b *Bridge) RemoveGazeCallback(id sdk.CallbackID) {
	remove(b.callbacks, b.callbacks.gaze, id)
}

func (b *Bridge) AddCalibrationNextPointCallback(fn func(x, y float64)) sdk.CallbackID {
	return add(b.callbacks, b.callbacks.next, fn)
}

func (b *Bridge) RemoveCalibrationNextPointCallback(id sdk.CallbackID) {
	remove(b.callbacks, b.callbacks.next, id)
}

func (b *Bridge) AddCalibrationProgressCallback(fn func(raw any)) sdk.CallbackID {
	return add(b.callbacks, b.callbacks.progress, fn)
}

func (b *Bridge) RemoveCalibrationProgressCallback(id sdk.CallbackID) {
	remove(b.callbacks, b.callbacks.progress, id)
}

func (b *Bridge) AddCalibrationFinishCallback(fn func(data any)) sdk.CallbackID {
	return add(b.callbacks, b.callbacks.finish, fn)
}

func (b *Bridge) RemoveCalibrationFinishCallback(id sdk.CallbackID) {
	remove(b.callbacks, b.callbacks.finish, id)
}

func (b *Bridge) AddDebugCallback(fn func(info any)) sdk.CallbackID {
	return add(b.callbacks, b.callbacks.debug, fn)
}

func (b *Bridge) RemoveDebugCallback(id sdk.CallbackID) {
	remove(b.callbacks, b.callbacks.debug, id)
}

var _ sdk.CallbackSDK = (*Bridge)(nil)

// Driver returns an adapter factory serving this bridge; register it under
// DriverName. The DSN is ignored.
func (b *Bridge) Driver() adapter.Factory {
	return func(string) (adapter.Capability, error) {
		return adapter.NewCallback(b), nil
	}
}
