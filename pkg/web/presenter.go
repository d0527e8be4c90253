package web

import (
	"sync"
	"time"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/calibration"
	"github.com/teslashibe/go-gazecal/pkg/hub"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
)

// uiState is the presentation state shown on the dashboard
type uiState struct {
	Status    string            `json:"status"`
	Pills     map[string]string `json:"pills"`
	Target    protocol.DotData  `json:"target"`
	Gaze      protocol.DotData  `json:"gaze"`
	TargetSeq uint64            `json:"target_seq"`
}

func (s *Server) broadcast(msg *protocol.Message, err error) {
	if err != nil {
		s.logger.Debug("ui message", "error", err)
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	s.uiHub.Broadcast(hub.NewJSONMessage(data))
}

// SetStatus shows text on the status line.
func (s *Server) SetStatus(text string) {
	s.uiMu.Lock()
	s.ui.Status = text
	s.uiMu.Unlock()
	s.broadcast(protocol.NewStatusMessage(text))
}

// SetPill updates a status pill.
func (s *Server) SetPill(name, value string) {
	s.uiMu.Lock()
	s.ui.Pills[name] = value
	s.uiMu.Unlock()
	s.broadcast(protocol.NewPillMessage(name, value))
}

// ShowTarget moves the calibration target to (x, y) and shows it.
func (s *Server) ShowTarget(x, y float64) {
	s.uiMu.Lock()
	s.ui.TargetSeq++
	s.ui.Target = protocol.DotData{Visible: true, X: x, Y: y, Seq: s.ui.TargetSeq}
	d := s.ui.Target
	s.uiMu.Unlock()
	s.broadcast(protocol.NewMessage(protocol.TypeTarget, d))
}

// HideTarget hides the calibration target.
func (s *Server) HideTarget() {
	s.uiMu.Lock()
	if !s.ui.Target.Visible {
		s.uiMu.Unlock()
		return
	}
	s.ui.Target = protocol.DotData{}
	s.uiMu.Unlock()
	s.broadcast(protocol.NewDotMessage(protocol.TypeTarget, 0, 0, false))
}

// ShowGaze moves the gaze dot.
func (s *Server) ShowGaze(x, y float64) {
	s.uiMu.Lock()
	s.ui.Gaze = protocol.DotData{Visible: true, X: x, Y: y}
	s.uiMu.Unlock()
	s.broadcast(protocol.NewDotMessage(protocol.TypeGaze, x, y, true))
}

// HideGaze hides the gaze dot.
func (s *Server) HideGaze() {
	s.uiMu.Lock()
	if !s.ui.Gaze.Visible {
		s.uiMu.Unlock()
		return
	}
	s.ui.Gaze = protocol.DotData{}
	s.uiMu.Unlock()
	s.broadcast(protocol.NewDotMessage(protocol.TypeGaze, 0, 0, false))
}

func (s *Server) uiSnapshot() uiState {
	s.uiMu.RLock()
	defer s.uiMu.RUnlock()
	st := s.ui
	st.Pills = make(map[string]string, len(s.ui.Pills))
	for k, v := range s.ui.Pills {
		st.Pills[k] = v
	}
	return st
}

// replayUI brings a new UI client up to date
func (s *Server) replayUI(c *hub.Client) {
	st := s.uiSnapshot()
	send := func(msg *protocol.Message, err error) {
		if err != nil {
			return
		}
		if data, err := msg.Bytes(); err == nil {
			c.Send(hub.NewJSONMessage(data))
		}
	}
	send(protocol.NewStatusMessage(st.Status))
	for name, value := range st.Pills {
		send(protocol.NewPillMessage(name, value))
	}
	send(protocol.NewMessage(protocol.TypeTarget, st.Target))
	send(protocol.NewMessage(protocol.TypeGaze, st.Gaze))
}

// handleUIMessage handles messages sent by dashboard pages
func (s *Server) handleUIMessage(_ *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return
	}
	switch msg.Type {
	case protocol.TypePainted:
		p, err := msg.GetPaintedData()
		if err != nil {
			return
		}
		s.frames.painted(p.Frame)
	}
}

// AfterNextFrame calls fn once a dashboard has painted the current target.
// With no dashboard connected fn runs at once; a missing ack is bounded by
// the paint backstop. It implements calibration.FrameWaiter.
func (s *Server) AfterNextFrame(fn func()) {
	s.uiMu.RLock()
	seq := s.ui.TargetSeq
	s.uiMu.RUnlock()
	s.frames.wait(seq, fn)
}

var (
	_ calibration.Presenter   = (*Server)(nil)
	_ calibration.FrameWaiter = (*Server)(nil)
)

// frameWaiter releases callbacks on painted acks
type frameWaiter struct {
	clock    timeutil.Clock
	backstop time.Duration
	clients  func() int

	mu      sync.Mutex
	waiting []*frameWait
}

type frameWait struct {
	seq   uint64
	once  sync.Once
	fn    func()
	timer timeutil.Timer
}

func (w *frameWait) fire() {
	w.once.Do(w.fn)
}

func (f *frameWaiter) wait(seq uint64, fn func()) {
	if f.clients() == 0 {
		fn()
		return
	}
	w := &frameWait{seq: seq, fn: fn}
	f.mu.Lock()
	f.waiting = append(f.waiting, w)
	w.timer = f.clock.AfterFunc(f.backstop, func() {
		f.remove(w)
		w.fire()
	})
	f.mu.Unlock()
}

// painted fires every wait for target seq or earlier.
func (f *frameWaiter) painted(frame uint64) {
	var due []*frameWait
	f.mu.Lock()
	keep := f.waiting[:0]
	for _, w := range f.waiting {
		if w.seq <= frame {
			due = append(due, w)
		} else {
			keep = append(keep, w)
		}
	}
	f.waiting = keep
	f.mu.Unlock()

	for _, w := range due {
		timeutil.StopTimer(w.timer)
		w.fire()
	}
}

func (f *frameWaiter) remove(w *frameWait) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range f.waiting {
		if x == w {
			f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
			return
		}
	}
}

func (f *frameWaiter) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiting)
}
