package adapter

import (
	"sort"
	"sync"

	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// Injected adapts a constructor-injected-callback style SDK.
//
// The vendor only accepts callbacks as arguments to StartTracking and
// StartCalibration, so the adapter hands it fixed dispatch functions and keeps
// its own subscriber table.
type Injected struct {
	vendor sdk.InjectedSDK

	mu     sync.Mutex
	nextID uint64
	subs   map[EventKind]map[uint64]Handler
}

// NewInjected wraps vendor.
func NewInjected(vendor sdk.InjectedSDK) *Injected {
	return &Injected{vendor: vendor, subs: make(map[EventKind]map[uint64]Handler)}
}

// Subscribe registers h for kind.
func (a *Injected) Subscribe(kind EventKind, h Handler) Subscription {
	if h == nil || kind < EventGaze || kind > EventDebug {
		return Subscription{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	if a.subs[kind] == nil {
		a.subs[kind] = make(map[uint64]Handler)
	}
	a.subs[kind][a.nextID] = h
	return Subscription{Kind: kind, id: a.nextID}
}

// Unsubscribe removes s. Unknown subscriptions are ignored.
func (a *Injected) Unsubscribe(s Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs[s.Kind], s.id)
}

func (a *Injected) dispatch(ev Event) {
	a.mu.Lock()
	m := a.subs[ev.Kind]
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = m[id]
	}
	a.mu.Unlock()

	for _, h := range hs {
		deliver(h, ev)
	}
}

func (a *Injected) onGaze(g sdk.GazeInfo) {
	a.dispatch(Event{Kind: EventGaze, X: g.X, Y: g.Y, State: g.TrackingState, Raw: g})
}

func (a *Injected) onDebug(info any) {
	a.dispatch(Event{Kind: EventDebug, Raw: info})
}

func (a *Injected) onNextPoint(x, y float64) {
	a.dispatch(Event{Kind: EventNextPoint, X: x, Y: y})
}

func (a *Injected) onProgress(raw any) {
	a.dispatch(Event{Kind: EventProgress, Raw: raw})
}

func (a *Injected) onFinish(data any) {
	a.dispatch(Event{Kind: EventFinish, Raw: data})
}

// Command issues name against the vendor SDK.
//
// CmdInitialize reports the code delivered through the vendor's init
// callbacks. If neither callback fired before Init returned the result is OK
// with Value "unconfirmed".
func (a *Injected) Command(name CommandName, args ...any) (Result, error) {
	return call(name, func() (Result, error) {
		switch name {
		case CmdInitialize:
			key, opts, err := initArgs(args)
			if err != nil {
				return Result{}, err
			}
			var (
				mu        sync.Mutex
				confirmed bool
				code      sdk.ErrorCode
			)
			err = a.vendor.Init(key, opts,
				func() {
					mu.Lock()
					confirmed, code = true, sdk.ErrorNone
					mu.Unlock()
				},
				func(c sdk.ErrorCode) {
					mu.Lock()
					confirmed, code = true, c
					mu.Unlock()
				})
			mu.Lock()
			defer mu.Unlock()
			res := Result{OK: err == nil && code == sdk.ErrorNone, Code: code}
			if !confirmed {
				res.Value = "unconfirmed"
			}
			return res, err

		case CmdStartTracking:
			stream, err := streamArg(args)
			if err != nil {
				return Result{}, err
			}
			ok, err := a.vendor.StartTracking(stream, a.onGaze, a.onDebug)
			return Result{OK: ok}, err

		case CmdStartCalibration:
			points, criteria, err := calibrationArgs(args)
			if err != nil {
				return Result{}, err
			}
			ok, err := a.vendor.StartCalibration(a.onNextPoint, a.onProgress, a.onFinish, points, criteria)
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
			err := a.vendor.Deinit()
			return Result{OK: err == nil}, err
		}
		return Result{}, ErrUnknownCommand
	})
}

var _ Capability = (*Injected)(nil)
