// Package web provides the calibration dashboard: the page that shows the
// status line, pills, target and gaze dots, the diagnostics log panel and
// the control API.
package web

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-gazecal/internal/timeutil"
	"github.com/teslashibe/go-gazecal/pkg/bridge"
	"github.com/teslashibe/go-gazecal/pkg/calibration"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/harness"
	"github.com/teslashibe/go-gazecal/pkg/hub"
)

//go:embed static
var staticFiles embed.FS

// DefaultPaintBackstop bounds how long a target waits for a painted ack.
const DefaultPaintBackstop = 100 * time.Millisecond

// Controller is the harness surface driven by the API.
type Controller interface {
	State() harness.State
	Boot(ctx context.Context) error
	StartTracking() error
	StopTracking() error
	Calibrate(points int) (*calibration.Orchestrator, error)
	Teardown()
	SetCameraConfig(cfg camera.Config) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock for the paint backstop.
func WithClock(c timeutil.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithBridge serves the SDK page socket and its API on this server.
func WithBridge(b *bridge.Bridge) Option {
	return func(s *Server) { s.bridge = b }
}

// WithBuffer sets the log buffer served by the log API.
func WithBuffer(b *diagnostics.Buffer) Option {
	return func(s *Server) { s.buffer = b }
}

// WithPaintBackstop sets how long AfterNextFrame waits for a painted ack.
func WithPaintBackstop(d time.Duration) Option {
	return func(s *Server) { s.backstop = d }
}

// Server is the web dashboard server
type Server struct {
	app      *fiber.App
	port     string
	logger   *slog.Logger
	clock    timeutil.Clock
	backstop time.Duration

	ctl     Controller
	bridge  *bridge.Bridge
	cameras *camera.Manager
	buffer  *diagnostics.Buffer

	// Presentation state replayed to new UI clients
	ui   uiState
	uiMu sync.RWMutex

	frames frameWaiter

	// Hubs for websocket broadcast
	uiHub     *hub.Hub
	logHub    *hub.Hub
	cameraHub *hub.Hub
}

// NewServer creates a new dashboard server. The controller may be set
// later with SetController; until then the control API answers 503.
func NewServer(port string, opts ...Option) *Server {
	s := &Server{
		port:     port,
		logger:   slog.Default(),
		clock:    timeutil.RealClock{},
		backstop: DefaultPaintBackstop,
		cameras:  camera.NewManager(),
		ui:       uiState{Pills: make(map[string]string)},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	if s.buffer == nil {
		s.buffer = diagnostics.NewBuffer(diagnostics.DefaultBufferSize)
	}
	s.frames = frameWaiter{
		clock:    s.clock,
		backstop: s.backstop,
		clients:  func() int { return s.uiHub.ClientCount() },
	}

	// The log hub must not log through the diagnostics handler it feeds
	hubLog := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s.uiHub = hub.New("ui",
		hub.WithLogger(s.logger.With("hub", "ui")),
		hub.WithInbound(s.handleUIMessage),
		hub.WithOnConnect(s.replayUI))
	s.logHub = hub.New("logs",
		hub.WithLogger(hubLog.With("component", "hub", "hub", "logs")),
		hub.WithOnConnect(s.replayLogs))
	s.cameraHub = hub.New("camera", hub.WithLogger(s.logger.With("hub", "camera")))

	app := fiber.New(fiber.Config{
		AppName:               "Gaze Calibration",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/logs", s.handleGetLogs)
	api.Get("/logs.txt", s.handleLogsText)
	api.Delete("/logs", s.handleClearLogs)
	api.Post("/boot", s.handleBoot)
	api.Post("/tracking/start", s.handleStartTracking)
	api.Post("/tracking/stop", s.handleStopTracking)
	api.Post("/calibrate", s.handleCalibrate)
	api.Post("/teardown", s.handleTeardown)
	api.Get("/camera", s.handleGetCamera)
	api.Get("/camera/presets", s.handleCameraPresets)
	api.Post("/camera", s.handleSetCamera)

	if s.bridge != nil {
		s.bridge.RegisterRoutes(app)
		s.bridge.RegisterAPIRoutes(api)
	}

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/ui", websocket.New(s.serveHub(s.uiHub)))
	app.Get("/ws/logs", websocket.New(s.serveHub(s.logHub)))
	app.Get("/ws/camera", websocket.New(s.serveHub(s.cameraHub)))

	// Static files
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(fmt.Sprintf("web: embedded assets: %v", err))
	}
	app.Use("/", filesystem.New(filesystem.Config{
		Root:  http.FS(sub),
		Index: "index.html",
	}))

	s.app = app
	return s
}

// SetController attaches the harness driven by the control API.
func (s *Server) SetController(c Controller) {
	s.uiMu.Lock()
	s.ctl = c
	s.uiMu.Unlock()
	s.cameras.OnConfigChange = c.SetCameraConfig
}

func (s *Server) controller() Controller {
	s.uiMu.RLock()
	defer s.uiMu.RUnlock()
	return s.ctl
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Cameras returns the camera configuration manager.
func (s *Server) Cameras() *camera.Manager {
	return s.cameras
}

func (s *Server) serveHub(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		client := hub.NewClient(h, c)
		if client == nil {
			return
		}
		client.Run()
	}
}

// Start starts the hubs and listens. It blocks until the server stops.
func (s *Server) Start() error {
	fmt.Printf("🌐 Dashboard: http://localhost:%s\n", s.port)

	s.startHubs()
	return s.app.Listen(":" + s.port)
}

// StartAsync starts the web server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			fmt.Printf("⚠️  Web server error: %v\n", err)
		}
	}()
}

func (s *Server) startHubs() {
	go s.uiHub.Run()
	go s.logHub.Run()
	go s.cameraHub.Run()
}

// SendCameraFrame sends a camera preview frame to all connected clients.
// It is a camera.FrameSink.
func (s *Server) SendCameraFrame(jpegData []byte) {
	s.cameraHub.BroadcastBinary(jpegData)
}

// Shutdown closes the hubs and stops the web server
func (s *Server) Shutdown() error {
	s.uiHub.Close()
	s.logHub.Close()
	s.cameraHub.Close()
	return s.app.Shutdown()
}
