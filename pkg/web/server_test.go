package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/calibration"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/harness"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// fakeController records control calls
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	points  int
	camera  camera.Config
	err     error
	session *calibration.Orchestrator
}

func (f *fakeController) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeController) State() harness.State {
	return harness.State{Booted: true, Pills: map[string]string{"sdk": "initialized"}}
}

func (f *fakeController) Boot(context.Context) error {
	f.record("boot")
	return f.err
}

func (f *fakeController) StartTracking() error {
	f.record("start")
	return f.err
}

func (f *fakeController) StopTracking() error {
	f.record("stop")
	return f.err
}

func (f *fakeController) Calibrate(points int) (*calibration.Orchestrator, error) {
	f.record("calibrate")
	f.points = points
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeController) Teardown() {
	f.record("teardown")
}

func (f *fakeController) SetCameraConfig(cfg camera.Config) error {
	f.record("camera")
	f.camera = cfg
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(t *testing.T, points int) *calibration.Orchestrator {
	t.Helper()
	cfg := calibration.DefaultConfig()
	cfg.PointCount = points
	o, err := calibration.New(adapter.NewInjected(sdk.NewInjectedMock()), nil, cfg, calibration.WithLogger(quietLogger()))
	require.NoError(t, err)
	return o
}

func newServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := NewServer("0", append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { s.Shutdown() })
	return s
}

// listen serves s on a loopback port and returns its ws:// base URL
func listen(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.startHubs()
	go s.app.Listener(ln)
	return "ws://" + ln.Addr().String()
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func TestStatusWithoutController(t *testing.T) {
	s := newServer(t)
	s.SetStatus("Booting")

	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/status", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Nil(t, body.Harness)
	assert.Equal(t, "Booting", body.UI.Status)
	require.Len(t, body.Hubs, 3)
	assert.Equal(t, "ui", body.Hubs[0].Name)

	resp, err = s.app.Test(httptest.NewRequest("POST", "/api/tracking/start", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestControlAPI(t *testing.T) {
	s := newServer(t)
	ctl := &fakeController{session: newSession(t, 3)}
	s.SetController(ctl)

	for _, path := range []string{"/api/boot", "/api/tracking/start", "/api/tracking/stop"} {
		resp, err := s.app.Test(httptest.NewRequest("POST", path, nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode, path)
	}

	req := httptest.NewRequest("POST", "/api/calibrate", strings.NewReader(`{"points":3}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, ctl.session.ID(), body["session"])
	assert.Equal(t, float64(3), body["points"])
	assert.Equal(t, 3, ctl.points)

	resp, err = s.app.Test(httptest.NewRequest("POST", "/api/teardown", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)

	assert.Equal(t, []string{"boot", "start", "stop", "calibrate", "teardown"}, ctl.calls)

	resp, err = s.app.Test(httptest.NewRequest("GET", "/api/status", nil))
	require.NoError(t, err)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.NotNil(t, status.Harness)
	assert.True(t, status.Harness.Booted)
}

func TestControlErrors(t *testing.T) {
	s := newServer(t)
	s.SetController(&fakeController{err: harness.ErrNotBooted})

	req := httptest.NewRequest("POST", "/api/calibrate", strings.NewReader(`{"points":1}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 409, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, harness.UserMessage(harness.ErrNotBooted), body["message"])

	req = httptest.NewRequest("POST", "/api/calibrate", strings.NewReader(`{"points":`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestLogsAPI(t *testing.T) {
	buf := diagnostics.NewBuffer(10)
	s := newServer(t, WithBuffer(buf))
	s.Record(diagnostics.Record{Timestamp: time.Now(), Level: "INFO", Tag: "cal", Message: "progress changed", Data: map[string]any{"progress": 0.4}})

	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/logs", nil))
	require.NoError(t, err)
	var records []diagnostics.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "progress changed", records[0].Message)

	resp, err = s.app.Test(httptest.NewRequest("GET", "/api/logs.txt", nil))
	require.NoError(t, err)
	text, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(text), `progress changed {"progress":0.4}`)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	resp, err = s.app.Test(httptest.NewRequest("DELETE", "/api/logs", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, 0, buf.Len())
}

func TestCameraAPI(t *testing.T) {
	s := newServer(t)
	ctl := &fakeController{}
	s.SetController(ctl)

	req := httptest.NewRequest("POST", "/api/camera", strings.NewReader(`{"width":640,"height":480}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 640, ctl.camera.Width)
	assert.Equal(t, 480, ctl.camera.Height)

	req = httptest.NewRequest("POST", "/api/camera", strings.NewReader(`{"width":99999}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = s.app.Test(httptest.NewRequest("GET", "/api/camera", nil))
	require.NoError(t, err)
	var st camera.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 640, st.Config.Width)
	assert.Equal(t, uint64(1), st.Revision)

	resp, err = s.app.Test(httptest.NewRequest("GET", "/api/camera/presets", nil))
	require.NoError(t, err)
	var presets []camera.Preset
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presets))
	assert.Equal(t, camera.PresetNames()[0], presets[0].Name)
}

func TestStaticPage(t *testing.T) {
	s := newServer(t)
	resp, err := s.app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Gaze Calibration")
}

func TestUIReplayAndBroadcast(t *testing.T) {
	s := newServer(t)
	s.SetStatus("Ready")
	s.SetPill("sdk", "initialized")
	base := listen(t, s)

	ws := dial(t, base+"/ws/ui")

	msg := readMessage(t, ws)
	assert.Equal(t, protocol.TypeStatus, msg.Type)
	var st protocol.StatusData
	require.NoError(t, msg.ParseData(&st))
	assert.Equal(t, "Ready", st.Text)

	msg = readMessage(t, ws)
	assert.Equal(t, protocol.TypePill, msg.Type)

	// Hidden target and gaze dots follow
	assert.Equal(t, protocol.TypeTarget, readMessage(t, ws).Type)
	assert.Equal(t, protocol.TypeGaze, readMessage(t, ws).Type)

	s.ShowGaze(0.25, 0.75)
	msg = readMessage(t, ws)
	assert.Equal(t, protocol.TypeGaze, msg.Type)
	var dot protocol.DotData
	require.NoError(t, msg.ParseData(&dot))
	assert.Equal(t, protocol.DotData{Visible: true, X: 0.25, Y: 0.75}, dot)
}

func TestAfterNextFrameWithoutClients(t *testing.T) {
	s := newServer(t)
	called := false
	s.AfterNextFrame(func() { called = true })
	assert.True(t, called)
}

func TestAfterNextFramePaintedAck(t *testing.T) {
	s := newServer(t)
	base := listen(t, s)
	ws := dial(t, base+"/ws/ui")
	require.Eventually(t, func() bool { return s.uiHub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.ShowTarget(0.5, 0.5)
	var dot protocol.DotData
	for dot.Seq == 0 {
		msg := readMessage(t, ws)
		if msg.Type == protocol.TypeTarget {
			require.NoError(t, msg.ParseData(&dot))
		}
	}

	done := make(chan struct{})
	s.AfterNextFrame(func() { close(done) })
	assert.Equal(t, 1, s.frames.pending())

	ack, err := protocol.NewMessage(protocol.TypePainted, protocol.PaintedData{Frame: dot.Seq})
	require.NoError(t, err)
	data, _ := ack.Bytes()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("painted ack did not release the waiter")
	}
	assert.Equal(t, 0, s.frames.pending())
}

func TestAfterNextFrameBackstop(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newServer(t, WithClock(clock))
	base := listen(t, s)
	dial(t, base+"/ws/ui")
	require.Eventually(t, func() bool { return s.uiHub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.ShowTarget(0.1, 0.1)
	calls := 0
	s.AfterNextFrame(func() { calls++ })

	clock.Advance(DefaultPaintBackstop - time.Millisecond)
	assert.Equal(t, 0, calls)
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, calls)

	// A late ack does not fire it again
	s.frames.painted(100)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, clock.Pending())
}

func TestRecordStreamsToLogSocket(t *testing.T) {
	s := newServer(t)
	s.Record(diagnostics.Record{Timestamp: time.Now(), Level: "WARN", Tag: "hb", Message: "before connect"})
	base := listen(t, s)
	ws := dial(t, base+"/ws/logs")

	msg := readMessage(t, ws)
	require.Equal(t, protocol.TypeLog, msg.Type)
	var r diagnostics.Record
	require.NoError(t, msg.ParseData(&r))
	assert.Equal(t, "before connect", r.Message)

	require.Eventually(t, func() bool { return s.logHub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	s.Record(diagnostics.Record{Timestamp: time.Now(), Level: "INFO", Tag: "cal", Message: "live"})
	msg = readMessage(t, ws)
	require.NoError(t, msg.ParseData(&r))
	assert.Equal(t, "live", r.Message)
}

func TestUIClientChurnDuringBroadcast(t *testing.T) {
	s := newServer(t)
	base := listen(t, s)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.ShowGaze(float64(i%10)/10, 0.5)
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 20; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/ui", nil)
		require.NoError(t, err)
		readMessage(t, ws)
		ws.Close()
	}
	close(stop)
	wg.Wait()

	require.Eventually(t, func() bool { return s.uiHub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	// The hub still serves a fresh client after the churn
	ws := dial(t, base+"/ws/ui")
	assert.Equal(t, protocol.TypeStatus, readMessage(t, ws).Type)
}
