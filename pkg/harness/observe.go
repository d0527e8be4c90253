package harness

import (
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/calibration"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
	"github.com/teslashibe/go-gazecal/pkg/progress"
)

// observations is what the harness has seen of the vendor callbacks.
type observations struct {
	gazeLog     *diagnostics.Throttle
	progressLog *diagnostics.Throttle

	mu             sync.Mutex
	gaze           *gaze.Sample
	lastGazeAt     time.Time
	lastProgressAt time.Time
	lastProgress   any
	lastValue      float64
	haveProgress   bool
	lastTarget     *gaze.Point
}

func (o *observations) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gaze = nil
	o.lastGazeAt = time.Time{}
	o.resetCalibrationLocked()
}

func (o *observations) resetCalibration() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetCalibrationLocked()
}

func (o *observations) resetCalibrationLocked() {
	o.lastProgressAt = time.Time{}
	o.lastProgress = nil
	o.lastValue = 0
	o.haveProgress = false
	o.lastTarget = nil
}

func (o *observations) latestGaze() *gaze.Sample {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gaze == nil {
		return nil
	}
	g := *o.gaze
	return &g
}

// observe subscribes the diagnostic observers. They only log and display;
// sessions subscribe on their own.
func (h *Harness) observe(capab adapter.Capability) []adapter.Subscription {
	return []adapter.Subscription{
		capab.Subscribe(adapter.EventGaze, h.onGaze),
		capab.Subscribe(adapter.EventNextPoint, h.onNextPoint),
		capab.Subscribe(adapter.EventProgress, h.onProgress),
		capab.Subscribe(adapter.EventFinish, h.onFinish),
		capab.Subscribe(adapter.EventDebug, h.onDebug),
	}
}

func (h *Harness) onGaze(ev adapter.Event) {
	now := h.clock.Now()
	sample := gaze.Sample{X: ev.X, Y: ev.Y, State: ev.State, At: now}

	h.obs.mu.Lock()
	h.obs.gaze = &sample
	h.obs.lastGazeAt = now
	h.obs.mu.Unlock()

	if h.obs.gazeLog.Allow() {
		h.tagged("gaze").Debug("sample", "x", ev.X, "y", ev.Y, "state", ev.State.String())
	}
	if ev.State == gaze.Success {
		h.presenter.ShowGaze(ev.X, ev.Y)
	} else {
		h.presenter.HideGaze()
	}
}

func (h *Harness) onNextPoint(ev adapter.Event) {
	pt := gaze.Point{X: ev.X, Y: ev.Y}
	h.obs.mu.Lock()
	h.obs.lastTarget = &pt
	h.obs.mu.Unlock()
	h.tagged("cal").Info("next point", "x", ev.X, "y", ev.Y)
}

func (h *Harness) onProgress(ev adapter.Event) {
	v := progress.Normalize(ev.Raw)

	h.obs.mu.Lock()
	h.obs.lastProgressAt = h.clock.Now()
	changed := !h.obs.haveProgress || v != h.obs.lastValue
	h.obs.haveProgress = true
	h.obs.lastValue = v
	h.obs.lastProgress = ev.Raw
	target := h.obs.lastTarget
	h.obs.mu.Unlock()

	log := h.tagged("cal")
	if changed {
		log.Info("progress changed", "progress", ev.Raw, "normalized", v, "last_point", target)
		return
	}
	if h.obs.progressLog.Allow() {
		log.Debug("progress", "progress", ev.Raw)
	}
}

func (h *Harness) onFinish(ev adapter.Event) {
	h.tagged("cal").Info("calibration finished callback", "type", fmt.Sprintf("%T", ev.Raw))
}

func (h *Harness) onDebug(ev adapter.Event) {
	h.tagged("sdkdbg").Debug("debug", "info", ev.Raw)
}

func (h *Harness) armHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	timeutil.StopTimer(h.hbTimer)
	h.hbGen++
	gen := h.hbGen
	h.hbTimer = h.clock.AfterFunc(h.cfg.HeartbeatInterval, func() { h.heartbeat(gen) })
}

// heartbeat proves whether callbacks are firing. It logs at INFO while a
// calibration runs and at DEBUG otherwise.
func (h *Harness) heartbeat(gen uint64) {
	h.mu.RLock()
	current := h.booted && h.hbGen == gen
	o := h.session
	h.mu.RUnlock()
	if !current {
		return
	}

	now := h.clock.Now()
	h.obs.mu.Lock()
	hb := []any{
		"sdk", h.pill(calibration.PillSDK),
		"perm", h.pill(calibration.PillPermission),
		"track", h.pill(calibration.PillTracking),
		"cal", h.pill(calibration.PillCalibration),
		"last_gaze_ms_ago", sinceMs(now, h.obs.lastGazeAt),
		"last_progress_ms_ago", sinceMs(now, h.obs.lastProgressAt),
		"last_progress", h.obs.lastProgress,
		"last_point", h.obs.lastTarget,
	}
	lastProgressAt := h.obs.lastProgressAt
	h.obs.mu.Unlock()

	log := h.tagged("hb")
	running := o != nil && o.Status() == calibration.StatusRunning
	if running {
		log.Info("calibration heartbeat", hb...)

		snap := o.Snapshot()
		since := lastProgressAt
		if since.IsZero() || since.Before(snap.StartedAt) {
			since = snap.StartedAt
		}
		if snap.NextPointObserved && now.Sub(since) >= h.cfg.ProgressSilence {
			h.tagged("cal").Warn("calibration running but no progress event",
				"ms_since_progress", now.Sub(since).Milliseconds(),
				"last_next_point_ms_ago", sinceMs(now, snap.LastNextPointAt),
				"last_collect_ms_ago", sinceMs(now, snap.LastCollectAt),
				"hint", "If the target shows but progress stays 0%, sample collection must start after the target is painted.")
		}
	} else {
		log.Debug("heartbeat", hb...)
	}

	h.mu.Lock()
	if h.booted && h.hbGen == gen {
		h.hbTimer = h.clock.AfterFunc(h.cfg.HeartbeatInterval, func() { h.heartbeat(gen) })
	}
	h.mu.Unlock()
}
