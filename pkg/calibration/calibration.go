// Package calibration drives one calibration session against the vendor SDK.
//
// The Orchestrator waits for stable tracking, starts the vendor calibration,
// paints each target before sample collection begins, watches for the two
// stall symptoms (no target and progress stuck at 0%), and restarts a stalled
// session a bounded number of times.
//
// Adapter callbacks and timer expiries are funnelled through a single
// run-to-completion queue, so session state is only ever touched by one
// handler at a time.
package calibration

import (
	"time"

	"github.com/teslashibe/go-gazecal/pkg/gaze"
)

// Status is the orchestrator state.
type Status int

const (
	StatusIdle Status = iota
	StatusPreparing
	StatusRunning
	StatusRestarting
	StatusFinished
	StatusFailed
)

var statusNames = [...]string{"idle", "preparing", "running", "restarting", "finished", "failed"}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is FINISHED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Pill names shown on the status bar.
const (
	PillSDK         = "sdk"
	PillPermission  = "perm"
	PillTracking    = "track"
	PillCalibration = "cal"
)

// Presenter receives UI notifications. Implementations must not call back
// into the Orchestrator.
type Presenter interface {
	SetStatus(text string)
	SetPill(name, value string)
	ShowTarget(x, y float64)
	HideTarget()
	ShowGaze(x, y float64)
	HideGaze()
}

// FrameWaiter reports display-frame boundaries. AfterNextFrame calls fn once
// the most recent presentation change has been painted. fn may run on any
// goroutine.
type FrameWaiter interface {
	AfterNextFrame(fn func())
}

// NopPresenter discards every notification.
type NopPresenter struct{}

func (NopPresenter) SetStatus(string)            {}
func (NopPresenter) SetPill(string, string)      {}
func (NopPresenter) ShowTarget(float64, float64) {}
func (NopPresenter) HideTarget()                 {}
func (NopPresenter) ShowGaze(float64, float64)   {}
func (NopPresenter) HideGaze()                   {}

// Snapshot is a point-in-time view of the session for heartbeats and the dashboard.
type Snapshot struct {
	SessionID         string        `json:"session_id"`
	Status            Status        `json:"status"`
	Progress          float64       `json:"progress"`
	Percent           int           `json:"percent"`
	Target            *gaze.Point   `json:"target,omitempty"`
	NextPointObserved bool          `json:"next_point_observed"`
	Points            int           `json:"points"`
	RestartCount      int           `json:"restart_count"`
	ZeroProgressFor   time.Duration `json:"zero_progress_for"`
	StartedAt         time.Time     `json:"started_at"`
	LastNextPointAt   time.Time     `json:"last_next_point_at"`
	LastCollectAt     time.Time     `json:"last_collect_at"`
	LastProgressAt    time.Time     `json:"last_progress_at"`
	Error             string        `json:"error,omitempty"`
}
