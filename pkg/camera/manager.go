package camera

import (
	"fmt"
	"strings"
	"sync"
)

// ValidationError lists the problems Validate found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "camera: invalid config: " + strings.Join(e.Problems, "; ")
}

// Patch is a partial update. Nil fields keep their current value; a named
// preset replaces the whole config before the fields are applied.
type Patch struct {
	Preset       string  `json:"preset,omitempty"`
	Facing       *string `json:"facing,omitempty"`
	DeviceID     *int    `json:"device_id,omitempty"`
	Width        *int    `json:"width,omitempty"`
	Height       *int    `json:"height,omitempty"`
	Framerate    *int    `json:"framerate,omitempty"`
	MaxFramerate *int    `json:"max_framerate,omitempty"`
	Quality      *int    `json:"quality,omitempty"`
	PreviewWidth *int    `json:"preview_width,omitempty"`
}

// Apply returns cfg with the patch applied. The result is not validated.
func (p Patch) Apply(cfg Config) (Config, error) {
	if p.Preset != "" {
		preset, ok := LookupPreset(p.Preset)
		if !ok {
			return cfg, fmt.Errorf("camera: unknown preset %q", p.Preset)
		}
		cfg = preset
	}
	if p.Facing != nil {
		cfg.Facing = *p.Facing
	}
	for dst, src := range map[*int]*int{
		&cfg.DeviceID:     p.DeviceID,
		&cfg.Width:        p.Width,
		&cfg.Height:       p.Height,
		&cfg.Framerate:    p.Framerate,
		&cfg.MaxFramerate: p.MaxFramerate,
		&cfg.Quality:      p.Quality,
		&cfg.PreviewWidth: p.PreviewWidth,
	} {
		if src != nil {
			*dst = *src
		}
	}
	return cfg, nil
}

// State is the manager's view for the dashboard.
type State struct {
	Config   Config                 `json:"config"`
	Preset   string                 `json:"preset,omitempty"`
	Revision uint64                 `json:"revision"`
	Limits   map[string]interface{} `json:"limits"`
}

// Manager holds the capture request the next boot will use.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	preset   string
	revision uint64

	// OnConfigChange is called with a validated config before it is stored.
	// An error rejects the change. Set it before serving requests.
	OnConfigChange func(cfg Config) error
}

// NewManager creates a manager holding DefaultConfig.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig(), preset: "default"}
}

// Current returns the stored config.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Set validates and stores cfg.
func (m *Manager) Set(cfg Config) error {
	return m.store(cfg, "")
}

// Update applies p to the stored config.
func (m *Manager) Update(p Patch) (Config, error) {
	cfg, err := p.Apply(m.Current())
	if err != nil {
		return Config{}, err
	}
	if err := m.store(cfg, p.Preset); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (m *Manager) store(cfg Config, preset string) error {
	if problems := cfg.Validate(); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	if m.OnConfigChange != nil {
		if err := m.OnConfigChange(cfg); err != nil {
			return fmt.Errorf("camera: apply config: %w", err)
		}
	}

	m.mu.Lock()
	m.config = cfg
	m.preset = strings.ToLower(preset)
	m.revision++
	m.mu.Unlock()
	return nil
}

// State returns the stored config with its preset, revision and limits.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		Config:   m.config,
		Preset:   m.preset,
		Revision: m.revision,
		Limits:   Capabilities(),
	}
}
