package adapter

import (
	"sync"

	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// Callback adapts a callback-registration style SDK.
// Subscribe registers a vendor callback per handler; Unsubscribe removes it.
type Callback struct {
	vendor sdk.CallbackSDK

	mu     sync.Mutex
	nextID uint64
	ids    map[uint64]sdk.CallbackID
}

// NewCallback wraps vendor.
func NewCallback(vendor sdk.CallbackSDK) *Callback {
	return &Callback{vendor: vendor, ids: make(map[uint64]sdk.CallbackID)}
}

// Subscribe registers h for kind.
func (a *Callback) Subscribe(kind EventKind, h Handler) Subscription {
	if h == nil {
		return Subscription{}
	}

	var vid sdk.CallbackID
	switch kind {
	case EventGaze:
		vid = a.vendor.AddGazeCallback(func(g sdk.GazeInfo) {
			deliver(h, Event{Kind: EventGaze, X: g.X, Y: g.Y, State: g.TrackingState, Raw: g})
		})
	case EventNextPoint:
		vid = a.vendor.AddCalibrationNextPointCallback(func(x, y float64) {
			deliver(h, Event{Kind: EventNextPoint, X: x, Y: y})
		})
	case EventProgress:
		vid = a.vendor.AddCalibrationProgressCallback(func(raw any) {
			deliver(h, Event{Kind: EventProgress, Raw: raw})
		})
	case EventFinish:
		vid = a.vendor.AddCalibrationFinishCallback(func(data any) {
			deliver(h, Event{Kind: EventFinish, Raw: data})
		})
	case EventDebug:
		vid = a.vendor.AddDebugCallback(func(info any) {
			deliver(h, Event{Kind: EventDebug, Raw: info})
		})
	default:
		return Subscription{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.ids[a.nextID] = vid
	return Subscription{Kind: kind, id: a.nextID}
}

// Unsubscribe removes the vendor callback behind s. Unknown subscriptions are ignored.
func (a *Callback) Unsubscribe(s Subscription) {
	a.mu.Lock()
	vid, ok := a.ids[s.id]
	delete(a.ids, s.id)
	a.mu.Unlock()
	if !ok {
		return
	}

	switch s.Kind {
	case EventGaze:
		a.vendor.RemoveGazeCallback(vid)
	case EventNextPoint:
		a.vendor.RemoveCalibrationNextPointCallback(vid)
	case EventProgress:
		a.vendor.RemoveCalibrationProgressCallback(vid)
	case EventFinish:
		a.vendor.RemoveCalibrationFinishCallback(vid)
	case EventDebug:
		a.vendor.RemoveDebugCallback(vid)
	}
}

// Command issues name against the vendor SDK.
func (a *Callback) Command(name CommandName, args ...any) (Result, error) {
	return call(name, func() (Result, error) {
		switch name {
		case CmdInitialize:
			key, opts, err := initArgs(args)
			if err != nil {
				return Result{}, err
			}
			code, err := a.vendor.Initialize(key, opts)
			return Result{OK: err == nil && code == sdk.ErrorNone, Code: code}, err

		case CmdStartTracking:
			stream, err := streamArg(args)
			if err != nil {
				return Result{}, err
			}
			ok, err := a.vendor.StartTracking(stream)
			return Result{OK: ok}, err

		case CmdStartCalibration:
			points, criteria, err := calibrationArgs(args)
			if err != nil {
				return Result{}, err
			}
			ok, err := a.vendor.StartCalibration(points, criteria)
			return Result{OK: ok}, err

		case CmdStartCollectSamples:
			v, err := a.vendor.StartCollectSamples()
			return Result{OK: err == nil, Value: v}, err

		case CmdStopCalibration:
			err := a.vendor.StopCalibration()
			return Result{OK: err == nil}, err

		case CmdStopTracking:
			err := a.vendor.StopTracking()
			return Result{OK: err == nil}, err

		case CmdDeinitialize:
			err := a.vendor.Deinitialize()
			return Result{OK: err == nil}, err
		}
		return Result{}, ErrUnknownCommand
	})
}

var _ Capability = (*Callback)(nil)
