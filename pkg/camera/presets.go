package camera

import "strings"

// Preset is a named capture configuration offered on the dashboard.
type Preset struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Config      Config `json:"config"`
}

var presets = []Preset{
	{Name: "default", Description: "1280x720 at 30 FPS, capped at 60", Config: DefaultConfig()},
	{Name: "legacy", Description: "640x480 for SDK builds starved by larger frames", Config: LegacyConfig()},
	{Name: "720p", Description: "1280x720 at a fixed 30 FPS", Config: withFramerate(DefaultConfig(), 30, 30)},
	{Name: "1080p", Description: "1920x1080, more detail around the eyes and more SDK CPU", Config: withSize(DefaultConfig(), 1920, 1080)},
	{Name: "lowfps", Description: "1280x720 at 15 FPS for slow machines", Config: withFramerate(DefaultConfig(), 15, 15)},
}

func withSize(c Config, w, h int) Config {
	c.Width, c.Height = w, h
	return c
}

func withFramerate(c Config, fps, max int) Config {
	c.Framerate, c.MaxFramerate = fps, max
	return c
}

// Presets returns the built-in presets in display order.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// PresetNames returns the preset names in display order.
func PresetNames() []string {
	names := make([]string, len(presets))
	for i, p := range presets {
		names[i] = p.Name
	}
	return names
}

// LookupPreset returns the named preset's config. Names are case-insensitive.
func LookupPreset(name string) (Config, bool) {
	for _, p := range presets {
		if strings.EqualFold(p.Name, name) {
			return p.Config, true
		}
	}
	return Config{}, false
}
