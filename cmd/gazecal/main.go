// gazecal - calibration harness for the webcam eye tracking SDK
//
// Serves the dashboard, drives camera acquisition, SDK init, tracking and
// calibration sessions, and streams diagnostics to the log panel.
//
// Usage:
//
//	go run ./cmd/gazecal                         # simulated SDK and camera
//	go run ./cmd/gazecal -sdk browser -camera browser
//	go run ./cmd/gazecal -auto -points 5 -debug 2
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/teslashibe/go-gazecal/internal/config"
	"github.com/teslashibe/go-gazecal/internal/log"
	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/bridge"
	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/camera/gocvcam"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/harness"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
	"github.com/teslashibe/go-gazecal/pkg/sim"
	"github.com/teslashibe/go-gazecal/pkg/web"
)

type options struct {
	debug    int
	port     string
	points   int
	accuracy string
	sdk      string
	dsn      string
	camera   string
	deviceID int
	logDB    string
	auto     bool
}

func main() {
	opts := parseFlags()

	log.Init(strconv.Itoa(opts.debug))

	fmt.Println("👁️  Gaze Calibration Harness")
	fmt.Println("============================")
	fmt.Printf("SDK: %s   Camera: %s   Points: %d\n\n", opts.sdk, opts.camera, opts.points)

	accuracy, err := sdk.ParseAccuracy(opts.accuracy)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	var server *web.Server
	b := bridge.New(
		bridge.WithLogger(log.Tag("bridge")),
		bridge.WithFrameSink(func(jpeg []byte) { server.SendCameraFrame(jpeg) }),
	)
	defer b.Close()
	adapter.Register(bridge.DriverName, b.Driver())

	server = web.NewServer(opts.port, web.WithLogger(log.L()), web.WithBridge(b))
	log.AddSink(server)

	if opts.logDB != "" {
		store, err := diagnostics.OpenStore(opts.logDB)
		if err != nil {
			fmt.Printf("❌ Log archive: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		log.AddSink(store)
		fmt.Printf("🗄️  Archiving diagnostics to %s\n", opts.logDB)
	}

	var source camera.Source
	switch opts.camera {
	case "sim":
		source = &sim.Camera{}
	case "gocv":
		source = gocvcam.New(gocvcam.WithLogger(log.Tag("camera")), gocvcam.WithFrameSink(server.SendCameraFrame))
	case "browser":
		source = b
	default:
		fmt.Printf("❌ Unknown camera source %q (want sim, gocv or browser)\n", opts.camera)
		os.Exit(1)
	}

	cfg := harness.DefaultConfig()
	cfg.Driver = opts.sdk
	cfg.DSN = opts.dsn
	cfg.LicenseKey = config.LicenseKey("")
	cfg.Camera.DeviceID = opts.deviceID
	cfg.Calibration.Accuracy = accuracy
	cfg.Calibration.PointCount = opts.points

	h, err := harness.New(source, server, cfg, harness.WithLogger(log.L()), harness.WithFrameWaiter(server))
	if err != nil {
		fmt.Printf("❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	server.SetController(h)

	if cfg.LicenseKey == "" && opts.sdk != sim.DriverName {
		fmt.Println("⚠️  GAZECAL_LICENSE_KEY is not set")
	}

	server.StartAsync()
	if opts.sdk == bridge.DriverName || opts.camera == "browser" {
		fmt.Printf("   Vendor page: %s/?sdk=<module url>\n", config.DashboardURL(opts.port))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.auto {
		go autoRun(ctx, h, b, opts)
	}

	<-ctx.Done()
	fmt.Println("\n👋 Shutting down...")
	h.Teardown()
	if err := server.Shutdown(); err != nil {
		fmt.Printf("⚠️  Shutdown: %v\n", err)
	}
}

// autoRun boots and runs one calibration without clicking
func autoRun(ctx context.Context, h *harness.Harness, b *bridge.Bridge, opts options) {
	if opts.sdk == bridge.DriverName || opts.camera == "browser" {
		fmt.Println("⏳ Waiting for the vendor page to connect...")
		if err := b.WaitConnected(ctx); err != nil {
			return
		}
	}

	fmt.Print("🚀 Booting... ")
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := h.Boot(bootCtx)
	cancel()
	if err != nil {
		fmt.Printf("❌ %s\n", harness.UserMessage(err))
		return
	}
	fmt.Println("✅")

	o, err := h.Calibrate(opts.points)
	if err != nil {
		fmt.Printf("❌ %s\n", harness.UserMessage(err))
		return
	}
	fmt.Printf("🎯 Calibrating %d point(s), session %s\n", opts.points, o.ID())

	err = o.Wait(ctx)
	snap := o.Snapshot()
	switch {
	case err == nil:
		fmt.Printf("✅ Calibration finished (%d restarts)\n", snap.RestartCount)
	case errors.Is(err, context.Canceled):
	default:
		fmt.Printf("❌ %s (progress %d%%, restarts %d)\n", harness.UserMessage(err), snap.Percent, snap.RestartCount)
	}
}

// parseFlags parses command line flags with environment defaults
func parseFlags() options {
	var o options
	flag.IntVar(&o.debug, "debug", config.DebugLevelFromEnv(), "Debug level: 0 errors, 1 info, 2 verbose")
	flag.StringVar(&o.port, "port", config.Port(), "Dashboard port")
	flag.IntVar(&o.points, "points", 1, "Calibration points")
	flag.StringVar(&o.accuracy, "accuracy", "default", "Calibration accuracy: default, low or high")
	flag.StringVar(&o.sdk, "sdk", sim.DriverName, "SDK driver: sim or browser")
	flag.StringVar(&o.dsn, "dsn", "", "Driver DSN, e.g. drop_first_next_point=1&shape=object")
	flag.StringVar(&o.camera, "camera", "sim", "Camera source: sim, gocv or browser")
	flag.IntVar(&o.deviceID, "device-id", 0, "Local camera index for -camera gocv")
	flag.StringVar(&o.logDB, "log-db", "", "Archive diagnostics to this SQLite file")
	flag.BoolVar(&o.auto, "auto", false, "Boot and calibrate on start")
	flag.Parse()
	return o
}
