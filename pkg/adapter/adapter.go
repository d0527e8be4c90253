// Package adapter hides the vendor SDK's integration shape behind one narrow
// capability interface: subscribe to events, unsubscribe, issue commands.
package adapter

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-gazecal/pkg/gaze"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// EventKind names an adapter event stream.
type EventKind int

const (
	EventGaze EventKind = iota
	EventNextPoint
	EventProgress
	EventFinish
	EventDebug
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventGaze:
		return "gaze"
	case EventNextPoint:
		return "calibration_next_point"
	case EventProgress:
		return "calibration_progress"
	case EventFinish:
		return "calibration_finish"
	case EventDebug:
		return "debug"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one delivery from the vendor SDK.
// X and Y carry the gaze position or the calibration target. Raw carries the
// untouched payload for progress, finish and debug events.
type Event struct {
	Kind  EventKind
	X, Y  float64
	State gaze.TrackingState
	Raw   any
}

// Handler receives adapter events.
type Handler func(Event)

// Subscription is returned by Subscribe and passed back to Unsubscribe.
type Subscription struct {
	Kind EventKind
	id   uint64
}

// Valid reports whether s came from a successful Subscribe.
func (s Subscription) Valid() bool {
	return s.id != 0
}

// CommandName is an adapter command.
type CommandName string

const (
	CmdInitialize          CommandName = "initialize"
	CmdStartTracking       CommandName = "start_tracking"
	CmdStartCalibration    CommandName = "start_calibration"
	CmdStartCollectSamples CommandName = "start_collect_samples"
	CmdStopCalibration     CommandName = "stop_calibration"
	CmdStopTracking        CommandName = "stop_tracking"
	CmdDeinitialize        CommandName = "deinitialize"
)

// Result is the outcome of a command.
// OK mirrors the vendor's boolean return. Code is set by CmdInitialize.
// Value holds whatever the vendor returned for implementation-defined commands.
type Result struct {
	OK    bool
	Code  sdk.ErrorCode
	Value any
}

// Capability is the only surface the calibration code uses.
//
// Command argument lists:
//
//	CmdInitialize          licenseKey string, opts sdk.InitOptions
//	CmdStartTracking       stream sdk.VideoStream
//	CmdStartCalibration    points int, criteria sdk.Accuracy
//	everything else        no arguments
type Capability interface {
	Subscribe(kind EventKind, h Handler) Subscription
	Unsubscribe(s Subscription)
	Command(name CommandName, args ...any) (Result, error)
}

var (
	// ErrUnknownCommand is returned for a command the adapter does not implement.
	ErrUnknownCommand = errors.New("adapter: unknown command")

	// ErrBadArguments is returned when a command receives the wrong argument types.
	ErrBadArguments = errors.New("adapter: bad command arguments")
)

// VendorError wraps a failure raised inside the vendor SDK.
type VendorError struct {
	Command CommandName
	Err     error
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("adapter: %s: %v", e.Command, e.Err)
}

func (e *VendorError) Unwrap() error {
	return e.Err
}

// call runs fn and converts vendor panics and errors into a VendorError.
func call(name CommandName, fn func() (Result, error)) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = &VendorError{Command: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	res, err = fn()
	if err != nil {
		var ve *VendorError
		if !errors.As(err, &ve) && !errors.Is(err, ErrBadArguments) && !errors.Is(err, ErrUnknownCommand) {
			err = &VendorError{Command: name, Err: err}
		}
	}
	return res, err
}

// deliver invokes h, swallowing a panic so a faulty handler cannot kill the
// vendor's delivery goroutine.
func deliver(h Handler, ev Event) {
	defer func() { _ = recover() }()
	h(ev)
}

func initArgs(args []any) (string, sdk.InitOptions, error) {
	if len(args) < 1 {
		return "", sdk.InitOptions{}, fmt.Errorf("%w: %s wants a license key", ErrBadArguments, CmdInitialize)
	}
	key, ok := args[0].(string)
	if !ok {
		return "", sdk.InitOptions{}, fmt.Errorf("%w: license key is %T", ErrBadArguments, args[0])
	}
	opts := sdk.DefaultInitOptions()
	if len(args) > 1 {
		o, ok := args[1].(sdk.InitOptions)
		if !ok {
			return "", sdk.InitOptions{}, fmt.Errorf("%w: init options are %T", ErrBadArguments, args[1])
		}
		opts = o
	}
	return key, opts, nil
}

func streamArg(args []any) (sdk.VideoStream, error) {
	if len(args) < 1 || args[0] == nil {
		return nil, fmt.Errorf("%w: %s wants a video stream", ErrBadArguments, CmdStartTracking)
	}
	s, ok := args[0].(sdk.VideoStream)
	if !ok {
		return nil, fmt.Errorf("%w: stream is %T", ErrBadArguments, args[0])
	}
	return s, nil
}

func calibrationArgs(args []any) (int, sdk.Accuracy, error) {
	points, criteria := 1, sdk.AccuracyDefault
	if len(args) > 0 {
		p, ok := args[0].(int)
		if !ok {
			return 0, 0, fmt.Errorf("%w: point count is %T", ErrBadArguments, args[0])
		}
		points = p
	}
	if len(args) > 1 {
		c, ok := args[1].(sdk.Accuracy)
		if !ok {
			return 0, 0, fmt.Errorf("%w: accuracy is %T", ErrBadArguments, args[1])
		}
		criteria = c
	}
	if points < 1 {
		return 0, 0, fmt.Errorf("%w: point count %d < 1", ErrBadArguments, points)
	}
	return points, criteria, nil
}
