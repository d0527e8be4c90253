package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/gaze"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// replyFunc answers a command; a nil message means no answer.
type replyFunc func(cmd protocol.CommandData) *protocol.Message

// fakePage plays the browser page over a real WebSocket.
type fakePage struct {
	t     *testing.T
	ws    *websocket.Conn
	reply replyFunc

	wmu sync.Mutex

	mu       sync.Mutex
	commands []protocol.CommandData
	others   chan *protocol.Message
}

func ok(cmd protocol.CommandData) *protocol.Message {
	return result(protocol.ResultData{ID: cmd.ID, OK: true})
}

func result(r protocol.ResultData) *protocol.Message {
	msg, err := protocol.NewMessage(protocol.TypeResult, r)
	if err != nil {
		panic(err)
	}
	return msg
}

func eventMsg(ev protocol.EventData) *protocol.Message {
	msg, err := protocol.NewMessage(protocol.TypeEvent, ev)
	if err != nil {
		panic(err)
	}
	return msg
}

func startBridge(t *testing.T, opts ...Option) (*Bridge, *fiber.App, string) {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	b := New(opts...)
	b.RegisterRoutes(app)
	b.RegisterAPIRoutes(app.Group("/api"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)

	t.Cleanup(func() {
		b.Close()
		app.Shutdown()
	})
	return b, app, "ws://" + ln.Addr().String() + "/ws/sdk"
}

func connectPage(t *testing.T, b *Bridge, url string, reply replyFunc) *fakePage {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	p := &fakePage{t: t, ws: ws, reply: reply, others: make(chan *protocol.Message, 16)}
	go p.serve()
	require.Eventually(t, b.Connected, time.Second, 5*time.Millisecond)
	return p
}

func (p *fakePage) serve() {
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		if msg.Type != protocol.TypeCommand {
			select {
			case p.others <- msg:
			default:
			}
			continue
		}
		cmd, err := msg.GetCommandData()
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.commands = append(p.commands, *cmd)
		p.mu.Unlock()

		if p.reply != nil {
			if res := p.reply(*cmd); res != nil {
				p.send(res)
			}
		}
	}
}

func (p *fakePage) send(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		panic(err)
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.ws.WriteMessage(websocket.TextMessage, data)
}

func (p *fakePage) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.commands))
	for i, c := range p.commands {
		out[i] = c.Name
	}
	return out
}

func (p *fakePage) command(i int) protocol.CommandData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands[i]
}

func TestNotConnected(t *testing.T) {
	b, _, _ := startBridge(t)

	_, err := b.Initialize("key", sdk.DefaultInitOptions())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, b.Connected())
	assert.Nil(t, b.GetPageInfo())
}

func TestInitializeRoundTrip(t *testing.T) {
	b, _, url := startBridge(t)
	p := connectPage(t, b, url, func(cmd protocol.CommandData) *protocol.Message {
		return result(protocol.ResultData{ID: cmd.ID, OK: false, Code: int(sdk.ErrorAuthInvalidOrigin)})
	})

	code, err := b.Initialize("secret", sdk.InitOptions{UseBlink: true})
	require.NoError(t, err)
	assert.Equal(t, sdk.ErrorAuthInvalidOrigin, code)

	cmd := p.command(0)
	assert.Equal(t, "initialize", cmd.Name)
	require.Len(t, cmd.Args, 2)
	assert.JSONEq(t, `"secret"`, string(cmd.Args[0]))
	assert.JSONEq(t, `{"useAttention":false,"useBlink":true,"useDrowsiness":false}`, string(cmd.Args[1]))
}

func TestCommandsThroughAdapter(t *testing.T) {
	b, _, url := startBridge(t)
	p := connectPage(t, b, url, func(cmd protocol.CommandData) *protocol.Message {
		if cmd.Name == "start_collect_samples" {
			msg, _ := protocol.NewResultMessage(cmd.ID, true, "collecting")
			return msg
		}
		return ok(cmd)
	})

	a, err := b.Driver()("")
	require.NoError(t, err)

	st := &stream{bridge: b, id: "stream-1"}
	res, err := a.Command(adapter.CmdStartTracking, st)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = a.Command(adapter.CmdStartCalibration, 5, sdk.AccuracyHigh)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = a.Command(adapter.CmdStartCollectSamples)
	require.NoError(t, err)
	assert.Equal(t, "collecting", res.Value)

	for _, name := range []adapter.CommandName{adapter.CmdStopCalibration, adapter.CmdStopTracking, adapter.CmdDeinitialize} {
		_, err := a.Command(name)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"start_tracking", "start_calibration", "start_collect_samples",
		"stop_calibration", "stop_tracking", "deinitialize",
	}, p.names())
	cal := p.command(1)
	require.Len(t, cal.Args, 2)
	assert.Equal(t, "5", string(cal.Args[0]))
	assert.Equal(t, "2", string(cal.Args[1]))
}

func TestPageException(t *testing.T) {
	b, _, url := startBridge(t)
	connectPage(t, b, url, func(cmd protocol.CommandData) *protocol.Message {
		return result(protocol.ResultData{ID: cmd.ID, Error: "calibration already running", Name: "Error"})
	})

	_, err := b.StartCalibration(1, sdk.AccuracyDefault)
	var pe *PageError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "start_calibration", pe.Command)
	assert.Contains(t, err.Error(), "calibration already running")
}

func TestEventsDispatched(t *testing.T) {
	b, _, url := startBridge(t)
	p := connectPage(t, b, url, ok)

	var mu sync.Mutex
	var states []gaze.TrackingState
	var targets []gaze.Point
	var progress []any

	b.AddGazeCallback(func(g sdk.GazeInfo) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, g.TrackingState)
	})
	b.AddCalibrationNextPointCallback(func(x, y float64) {
		mu.Lock()
		defer mu.Unlock()
		targets = append(targets, gaze.Point{X: x, Y: y})
	})
	id := b.AddCalibrationProgressCallback(func(raw any) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, raw)
	})

	p.send(eventMsg(protocol.EventData{Kind: protocol.EventGaze, X: 1, Y: 2, TrackingState: json.RawMessage(`0`)}))
	p.send(eventMsg(protocol.EventData{Kind: protocol.EventGaze, TrackingState: json.RawMessage(`"FACE_MISSING"`)}))
	p.send(eventMsg(protocol.EventData{Kind: protocol.EventNextPoint, X: 640, Y: 360}))
	p.send(eventMsg(protocol.EventData{Kind: protocol.EventProgress, Value: json.RawMessage(`{"progress":0.5}`)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []gaze.TrackingState{gaze.Success, gaze.FaceMissing}, states)
	assert.Equal(t, []gaze.Point{{X: 640, Y: 360}}, targets)
	assert.Equal(t, map[string]any{"progress": 0.5}, progress[0])
	mu.Unlock()

	// Removed callbacks no longer fire
	b.RemoveCalibrationProgressCallback(id)
	p.send(eventMsg(protocol.EventData{Kind: protocol.EventProgress, Value: json.RawMessage(`0.7`)}))
	p.send(eventMsg(protocol.EventData{Kind: protocol.EventNextPoint, X: 1, Y: 1}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(targets) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Len(t, progress, 1)
	mu.Unlock()
}

// A callback may issue a command and wait for its result.
func TestHandlerMayIssueCommand(t *testing.T) {
	b, _, url := startBridge(t, WithTimeout(2*time.Second))
	p := connectPage(t, b, url, ok)

	done := make(chan error, 1)
	b.AddCalibrationNextPointCallback(func(x, y float64) {
		_, err := b.StartCollectSamples()
		done <- err
	})
	p.send(eventMsg(protocol.EventData{Kind: protocol.EventNextPoint, X: 10, Y: 20}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("command issued from a callback never completed")
	}
}

func TestTimeout(t *testing.T) {
	b, _, url := startBridge(t, WithTimeout(50*time.Millisecond))
	connectPage(t, b, url, func(protocol.CommandData) *protocol.Message { return nil })

	err := b.StopTracking()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestContextCancel(t *testing.T) {
	b, _, url := startBridge(t)
	connectPage(t, b, url, func(protocol.CommandData) *protocol.Message { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Acquire(ctx, camera.DefaultConfig())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisconnectFailsPending(t *testing.T) {
	b, _, url := startBridge(t)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, b.Connected, time.Second, 5*time.Millisecond)

	// Hang up as soon as a command arrives
	go func() {
		ws.ReadMessage()
		ws.Close()
	}()

	err = b.StopCalibration()
	assert.ErrorIs(t, err, ErrDisconnected)
	require.Eventually(t, func() bool { return !b.Connected() }, time.Second, 5*time.Millisecond)
}

func TestWaitConnected(t *testing.T) {
	b, _, url := startBridge(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitConnected(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		if ws, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
			t.Cleanup(func() { ws.Close() })
		}
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	assert.NoError(t, b.WaitConnected(ctx2))
}

func TestAcquire(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(cmd protocol.CommandData) *protocol.Message
		wantErr error
	}{
		{
			name: "permission denied",
			reply: func(cmd protocol.CommandData) *protocol.Message {
				return result(protocol.ResultData{ID: cmd.ID, Name: "NotAllowedError", Error: "Permission denied"})
			},
			wantErr: camera.ErrPermissionDenied,
		},
		{
			name: "no camera",
			reply: func(cmd protocol.CommandData) *protocol.Message {
				return result(protocol.ResultData{ID: cmd.ID, Name: "NotFoundError", Error: "Requested device not found"})
			},
			wantErr: camera.ErrNoDevice,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, _, url := startBridge(t)
			connectPage(t, b, url, tc.reply)

			_, err := b.Acquire(context.Background(), camera.DefaultConfig())
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestAcquireGranted(t *testing.T) {
	b, _, url := startBridge(t)
	p := connectPage(t, b, url, func(cmd protocol.CommandData) *protocol.Message {
		if cmd.Name == protocol.CommandAcquireCamera {
			msg, _ := protocol.NewResultMessage(cmd.ID, true, protocol.CameraSettings{
				StreamID: "track-1", Width: 1280, Height: 720, FrameRate: 30, Facing: "user",
			})
			return msg
		}
		return ok(cmd)
	})

	st, err := b.Acquire(context.Background(), camera.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "track-1", st.ID())
	assert.Equal(t, 1280, st.Settings().Width)

	var cfg camera.Config
	require.NoError(t, json.Unmarshal(p.command(0).Args[0], &cfg))
	assert.Equal(t, camera.DefaultConfig(), cfg)

	// Preview frames make the stream a frame source
	frame, _ := protocol.NewFrameMessage(320, 180, []byte{0xFF, 0xD8, 0x01}, 1)
	p.send(frame)
	fs, isFS := st.(camera.FrameSource)
	require.True(t, isFS)
	require.Eventually(t, func() bool { return fs.LatestJPEG() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01}, fs.LatestJPEG())

	require.NoError(t, st.Stop())
	require.NoError(t, st.Stop())
	assert.Equal(t, []string{protocol.CommandAcquireCamera, protocol.CommandReleaseCamera}, p.names())
}

func TestPingPong(t *testing.T) {
	b, _, url := startBridge(t)
	p := connectPage(t, b, url, nil)

	ping, _ := protocol.NewPingMessage("p1")
	p.send(ping)

	select {
	case msg := <-p.others:
		assert.Equal(t, protocol.TypePong, msg.Type)
		pong, err := msg.GetPongData()
		require.NoError(t, err)
		assert.Equal(t, ping.Timestamp, pong.PingTS)
	case <-time.After(time.Second):
		t.Fatal("no pong")
	}
}

func TestAPIBridge(t *testing.T) {
	b, app, url := startBridge(t)
	p := connectPage(t, b, url, nil)

	hello, _ := protocol.NewMessage(protocol.TypeHello, protocol.HelloData{SDKVersion: "2.5.0", Origin: "http://localhost:8090"})
	p.send(hello)
	require.Eventually(t, func() bool {
		info := b.GetPageInfo()
		return info != nil && info.SDKVersion == "2.5.0"
	}, time.Second, 5*time.Millisecond)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/bridge", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var body struct {
		Page  PageInfo `json:"page"`
		Stats Stats    `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "2.5.0", body.Page.SDKVersion)
	assert.True(t, body.Stats.Connected)
}

func TestReplacedPage(t *testing.T) {
	b, _, url := startBridge(t)
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, b.Connected, time.Second, 5*time.Millisecond)

	second := connectPage(t, b, url, ok)

	// The bridge hangs up on the first page
	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = first.ReadMessage()
	assert.Error(t, err)

	require.NoError(t, b.StopTracking())
	assert.Equal(t, []string{"stop_tracking"}, second.names())
	assert.NoError(t, b.WaitConnected(context.Background()))
}

func TestCloseHangsUpPage(t *testing.T) {
	b, _, url := startBridge(t)
	p := connectPage(t, b, url, ok)

	b.Close()
	p.ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := p.ws.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return !b.Connected() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, b.StopTracking(), ErrClosed)
}

func TestCloseAfterPageLeft(t *testing.T) {
	b, _, url := startBridge(t)
	p := connectPage(t, b, url, ok)
	p.ws.Close()
	require.Eventually(t, func() bool { return !b.Connected() }, time.Second, 5*time.Millisecond)

	b.Close()
	b.Close()
}

func TestReleasedPageIsNotWritten(t *testing.T) {
	// conn is nil: any write or close after release would panic
	p := &page{}
	p.release()
	p.hangUp()

	msg, err := protocol.NewMessage(protocol.TypePing, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.send(msg), ErrDisconnected)
}

func TestBacklogDropsGazeNotCalibration(t *testing.T) {
	b := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer b.Close()
	b.maxLossy = 2

	release := make(chan struct{})
	b.enqueue(false, func() { <-release })

	var mu sync.Mutex
	gazes, points := 0, 0
	finished := make(chan struct{})
	b.AddGazeCallback(func(sdk.GazeInfo) { mu.Lock(); gazes++; mu.Unlock() })
	b.AddCalibrationNextPointCallback(func(x, y float64) { mu.Lock(); points++; mu.Unlock() })
	b.AddCalibrationFinishCallback(func(any) { close(finished) })

	feed := func(ev protocol.EventData) {
		data, err := eventMsg(ev).Bytes()
		require.NoError(t, err)
		b.handleMessage(nil, data)
	}
	for i := 0; i < 5; i++ {
		feed(protocol.EventData{Kind: protocol.EventGaze, X: 1, Y: 1})
		feed(protocol.EventData{Kind: protocol.EventNextPoint, X: 0.5, Y: 0.5})
	}
	feed(protocol.EventData{Kind: protocol.EventFinish, Value: json.RawMessage(`{"ok":true}`)})
	close(release)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("finish event was not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, gazes)
	assert.Equal(t, 5, points)
	assert.Equal(t, uint64(3), b.GetStats().EventsDropped)
}
