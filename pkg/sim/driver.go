package sim

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-gazecal/pkg/adapter"
	"github.com/teslashibe/go-gazecal/pkg/facedetect"
	"github.com/teslashibe/go-gazecal/pkg/sdk"
)

// DriverName is the adapter registry name of the simulated SDK.
const DriverName = "sim"

func init() {
	adapter.Register(DriverName, func(dsn string) (adapter.Capability, error) {
		s, err := Open(dsn)
		if err != nil {
			return nil, err
		}
		return adapter.NewInjected(s), nil
	})
}

// Open creates a simulated SDK from a DSN query string, for example
// "drop_first_next_point=1&shape=object&model=models/face_detection_yunet.onnx".
//
// Keys: tick, warmup, debug, next_point_delay, paint, point (durations);
// init_code (int); require_key, drop_first_next_point (bool); shape; model.
func Open(dsn string) (*SDK, error) {
	cfg, model, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	var opts []Option
	if model != "" {
		dcfg := facedetect.DefaultConfig()
		dcfg.ModelPath = model
		det, err := facedetect.NewYuNet(dcfg)
		if err != nil {
			return nil, fmt.Errorf("sim: face detector: %w", err)
		}
		opts = append(opts, WithDetector(det, dcfg))
	}
	return New(cfg, opts...)
}

// ParseDSN returns the config and face model path described by dsn.
func ParseDSN(dsn string) (Config, string, error) {
	cfg := DefaultConfig()
	q, err := url.ParseQuery(strings.TrimPrefix(dsn, "?"))
	if err != nil {
		return cfg, "", fmt.Errorf("sim: parse dsn: %w", err)
	}

	durations := map[string]*time.Duration{
		"tick":             &cfg.TickInterval,
		"warmup":           &cfg.Warmup,
		"debug":            &cfg.DebugInterval,
		"next_point_delay": &cfg.NextPointDelay,
		"paint":            &cfg.PaintTime,
		"point":            &cfg.PointDuration,
	}
	bools := map[string]*bool{
		"require_key":           &cfg.RequireKey,
		"drop_first_next_point": &cfg.DropFirstNextPoint,
	}

	for key, vals := range q {
		v := vals[len(vals)-1]
		switch {
		case durations[key] != nil:
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, "", fmt.Errorf("sim: dsn %s: %w", key, err)
			}
			*durations[key] = d
		case bools[key] != nil:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, "", fmt.Errorf("sim: dsn %s: %w", key, err)
			}
			*bools[key] = b
		case key == "init_code":
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, "", fmt.Errorf("sim: dsn %s: %w", key, err)
			}
			cfg.InitCode = sdk.ErrorCode(n)
		case key == "shape":
			cfg.Shape = Shape(v)
		case key == "model":
		default:
			return cfg, "", fmt.Errorf("sim: dsn: unknown key %q", key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}
	return cfg, q.Get("model"), nil
}
