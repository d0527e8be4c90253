package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/harness"
	"github.com/teslashibe/go-gazecal/pkg/hub"
)

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Harness *harness.State `json:"harness,omitempty"`
	UI      uiState        `json:"ui"`
	Hubs    []hub.Stats    `json:"hubs"`
	Logs    int            `json:"logs"`
}

// handleStatus returns the harness and dashboard state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{
		UI:   s.uiSnapshot(),
		Hubs: []hub.Stats{s.uiHub.Stats(), s.logHub.Stats(), s.cameraHub.Stats()},
		Logs: s.buffer.Len(),
	}
	if ctl := s.controller(); ctl != nil {
		st := ctl.State()
		resp.Harness = &st
	}
	return c.JSON(resp)
}

// handleGetLogs returns buffered log records
func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	records := s.buffer.Records()
	if records == nil {
		records = []diagnostics.Record{}
	}
	return c.JSON(records)
}

// handleLogsText returns the log panel as plain text for copying
func (s *Server) handleLogsText(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(s.buffer.Text())
}

// handleClearLogs empties the log buffer
func (s *Server) handleClearLogs(c *fiber.Ctx) error {
	s.buffer.Clear()
	s.logger.Info("logs cleared", diagnostics.TagKey, "ui")
	return c.SendStatus(fiber.StatusNoContent)
}

// withController runs fn against the controller, or answers 503
func (s *Server) withController(c *fiber.Ctx, fn func(Controller) error) error {
	ctl := s.controller()
	if ctl == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "harness not attached",
		})
	}
	return fn(ctl)
}

// failure maps a harness error to a JSON error response
func failure(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, harness.ErrNotBooted):
		status = fiber.StatusConflict
	case errors.Is(err, harness.ErrAlreadyBooted):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   err.Error(),
		"message": harness.UserMessage(err),
	})
}

// handleBoot acquires the camera and initializes the SDK
func (s *Server) handleBoot(c *fiber.Ctx) error {
	s.logger.Info("boot requested", diagnostics.TagKey, "ui")
	return s.withController(c, func(ctl Controller) error {
		if err := ctl.Boot(c.Context()); err != nil {
			return failure(c, err)
		}
		return c.JSON(ctl.State())
	})
}

// handleStartTracking is the Start button
func (s *Server) handleStartTracking(c *fiber.Ctx) error {
	s.logger.Info("start clicked", diagnostics.TagKey, "ui")
	return s.withController(c, func(ctl Controller) error {
		if err := ctl.StartTracking(); err != nil {
			return failure(c, err)
		}
		return c.JSON(ctl.State())
	})
}

// handleStopTracking is the Stop button
func (s *Server) handleStopTracking(c *fiber.Ctx) error {
	s.logger.Info("stop clicked", diagnostics.TagKey, "ui")
	return s.withController(c, func(ctl Controller) error {
		if err := ctl.StopTracking(); err != nil {
			return failure(c, err)
		}
		return c.JSON(ctl.State())
	})
}

// CalibrateRequest is the request body for starting a calibration
type CalibrateRequest struct {
	Points int `json:"points"`
}

// handleCalibrate is the Calibrate button
func (s *Server) handleCalibrate(c *fiber.Ctx) error {
	var req CalibrateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
	}
	s.logger.Info("calibrate clicked", diagnostics.TagKey, "ui", "points", req.Points)

	return s.withController(c, func(ctl Controller) error {
		o, err := ctl.Calibrate(req.Points)
		if err != nil {
			return failure(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"session": o.ID(),
			"points":  o.Snapshot().Points,
		})
	})
}

// handleTeardown releases the session, tracking, SDK and camera
func (s *Server) handleTeardown(c *fiber.Ctx) error {
	s.logger.Info("teardown requested", diagnostics.TagKey, "ui")
	return s.withController(c, func(ctl Controller) error {
		ctl.Teardown()
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// handleGetCamera returns the capture config the next boot will request
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(s.cameras.State())
}

// handleCameraPresets lists the capture presets
func (s *Server) handleCameraPresets(c *fiber.Ctx) error {
	return c.JSON(camera.Presets())
}

// handleSetCamera patches the capture config used by the next boot
func (s *Server) handleSetCamera(c *fiber.Ctx) error {
	var patch camera.Patch
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	cfg, err := s.cameras.Update(patch)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	s.logger.Info("camera config updated", diagnostics.TagKey, "ui",
		"width", cfg.Width, "height", cfg.Height, "fps", cfg.Framerate, "preset", patch.Preset)
	return c.JSON(s.cameras.State())
}

var _ Controller = (*harness.Harness)(nil)
