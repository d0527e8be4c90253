package facedetect

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-gazecal/pkg/gaze"
)

// ErrNoModel is returned when the ONNX model file does not exist.
var ErrNoModel = errors.New("facedetect: model file not found")

// YuNet output columns: box, five landmarks, score.
const (
	colX, colY, colW, colH = 0, 1, 2, 3
	colRightEyeX           = 4
	colLeftEyeX            = 6
	colScore               = 14
)

// YuNet detects faces with OpenCV's FaceDetectorYN. It is safe for
// concurrent use; inference is serialized.
type YuNet struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	net gocv.FaceDetectorYN
}

// NewYuNet loads the model named by cfg.ModelPath.
func NewYuNet(cfg Config) (*YuNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoModel, cfg.ModelPath)
	}

	net := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"", // ONNX needs no config file
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ScoreThreshold),
		float32(cfg.NMSThreshold),
		cfg.TopK,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	return &YuNet{
		cfg:    cfg,
		logger: slog.Default().With("component", "facedetect"),
		net:    net,
	}, nil
}

// Detect decodes a JPEG frame and returns the faces in it.
func (y *YuNet) Detect(jpeg []byte) ([]Face, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("facedetect: decode: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("facedetect: empty frame")
	}

	out := gocv.NewMat()
	defer out.Close()

	y.mu.Lock()
	y.net.SetInputSize(image.Pt(img.Cols(), img.Rows()))
	y.net.Detect(img, &out)
	y.mu.Unlock()

	w, h := float32(img.Cols()), float32(img.Rows())
	faces := make([]Face, 0, out.Rows())
	for r := 0; r < out.Rows(); r++ {
		at := func(col int, scale float32) float64 { return float64(out.GetFloatAt(r, col) / scale) }
		faces = append(faces, Face{
			X:        at(colX, w),
			Y:        at(colY, h),
			W:        at(colW, w),
			H:        at(colH, h),
			Score:    at(colScore, 1),
			RightEye: pointAt(at, colRightEyeX, w, h),
			LeftEye:  pointAt(at, colLeftEyeX, w, h),
		})
	}
	y.logger.Debug("faces", "count", len(faces), "width", img.Cols(), "height", img.Rows())
	return faces, nil
}

func pointAt(at func(int, float32) float64, col int, w, h float32) gaze.Point {
	return gaze.Point{X: at(col, w), Y: at(col+1, h)}
}

// Close releases the model.
func (y *YuNet) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	y.net.Close()
	return nil
}

var _ Detector = (*YuNet)(nil)
