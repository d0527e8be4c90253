// Package camera defines how the harness acquires a video-only capture stream.
// Sources are the browser page (via the bridge), a local device (gocvcam) or a
// simulated camera.
package camera

// Config holds the capture constraints requested from a camera source.
// These can be modified via the camera API before tracking starts.
type Config struct {
	// === Device ===
	// Facing selects the camera on devices with more than one.
	// Values: "user", "environment"
	Facing   string `json:"facing"`
	DeviceID int    `json:"device_id"` // Local device index (gocvcam only)

	// === Resolution (ideal values, sources may deliver less) ===
	Width        int `json:"width"`         // Frame width in pixels
	Height       int `json:"height"`        // Frame height in pixels
	Framerate    int `json:"framerate"`     // Target FPS
	MaxFramerate int `json:"max_framerate"` // Upper bound on FPS

	// === Preview ===
	Quality      int `json:"quality"`       // Preview JPEG quality 1-100
	PreviewWidth int `json:"preview_width"` // Preview frames are scaled to this width (0 = no scaling)
}

// Capture limits accepted by every source.
const (
	MaxWidth     = 3840
	MaxHeight    = 2160
	MaxFramerate = 120
)

// DefaultConfig returns the recommended configuration for gaze tracking:
// front camera, ideal 1280x720 at 30 FPS, capped at 60 FPS.
func DefaultConfig() Config {
	return Config{
		Facing:   "user",
		DeviceID: 0,

		Width:        1280,
		Height:       720,
		Framerate:    30,
		MaxFramerate: 60,

		Quality:      70,
		PreviewWidth: 320,
	}
}

// LegacyConfig returns a 640x480 configuration.
// Use this if higher resolution starves the SDK of frames.
func LegacyConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 640
	cfg.Height = 480
	return cfg
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	validFacing := map[string]bool{"user": true, "environment": true}
	if c.Facing != "" && !validFacing[c.Facing] {
		errors = append(errors, "facing must be user or environment")
	}
	if c.DeviceID < 0 {
		errors = append(errors, "device_id must not be negative")
	}

	// Resolution
	if c.Width < 160 || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 120")
	}
	if c.MaxFramerate != 0 && c.MaxFramerate < c.Framerate {
		errors = append(errors, "max_framerate must be 0 or at least framerate")
	}

	// Preview
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}
	if c.PreviewWidth < 0 || c.PreviewWidth > c.Width {
		errors = append(errors, "preview_width must be between 0 and width")
	}

	return errors
}

// Capabilities returns the limits and choices accepted by Validate.
func Capabilities() map[string]interface{} {
	return map[string]interface{}{
		"max_width":     MaxWidth,
		"max_height":    MaxHeight,
		"max_framerate": MaxFramerate,
		"facing_modes":  []string{"user", "environment"},
		"presets":       PresetNames(),
	}
}
