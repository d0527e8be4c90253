package bridge

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/teslashibe/go-gazecal/pkg/gaze"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// callbacks is the registry behind the Add*/Remove* methods
type callbacks struct {
	mu     sync.Mutex
	nextID sdk.CallbackID

	gaze     map[sdk.CallbackID]func(sdk.GazeInfo)
	next     map[sdk.CallbackID]func(x, y float64)
	progress map[sdk.CallbackID]func(any)
	finish   map[sdk.CallbackID]func(any)
	debug    map[sdk.CallbackID]func(any)
}

func newCallbacks() *callbacks {
	return &callbacks{
		gaze:     make(map[sdk.CallbackID]func(sdk.GazeInfo)),
		next:     make(map[sdk.CallbackID]func(x, y float64)),
		progress: make(map[sdk.CallbackID]func(any)),
		finish:   make(map[sdk.CallbackID]func(any)),
		debug:    make(map[sdk.CallbackID]func(any)),
	}
}

func add[F any](c *callbacks, m map[sdk.CallbackID]F, fn F) sdk.CallbackID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	m[c.nextID] = fn
	return c.nextID
}

func remove[F any](c *callbacks, m map[sdk.CallbackID]F, id sdk.CallbackID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(m, id)
}

// snapshot returns the registered functions in registration order.
func snapshot[F any](c *callbacks, m map[sdk.CallbackID]F) []F {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]sdk.CallbackID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]F, len(ids))
	for i, id := range ids {
		fns[i] = m[id]
	}
	return fns
}

// value decodes a raw JSON payload into Go's generic JSON types.
func value(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// deliver runs the callbacks registered for ev.Kind
func (c *callbacks) deliver(ev *protocol.EventData) {
	switch ev.Kind {
	case protocol.EventGaze:
		info := sdk.GazeInfo{
			Timestamp:     ev.Timestamp,
			X:             ev.X,
			Y:             ev.Y,
			TrackingState: gaze.ParseTrackingState(value(ev.TrackingState)),
		}
		for _, fn := range snapshot(c, c.gaze) {
			fn(info)
		}
	case protocol.EventNextPoint:
		for _, fn := range snapshot(c, c.next) {
			fn(ev.X, ev.Y)
		}
	case protocol.EventProgress:
		v := value(ev.Value)
		for _, fn := range snapshot(c, c.progress) {
			fn(v)
		}
	case protocol.EventFinish:
		v := value(ev.Value)
		for _, fn := range snapshot(c, c.finish) {
			fn(v)
		}
	case protocol.EventDebug:
		v := value(ev.Value)
		for _, fn := range snapshot(c, c.debug) {
			fn(v)
		}
	}
}
