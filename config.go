package main

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// The four gestures the peripheral can report. Anything else maps to no
// action.
var validGestures = map[string]bool{
	"left":  true,
	"right": true,
	"up":    true,
	"down":  true,
}

// Config is the on-disk configuration object.
type Config struct {
	GestureShortcuts    map[string]string `json:"gesture_shortcuts"`
	ConfidenceThreshold float64           `json:"confidence_threshold"`
	CooldownTime        float64           `json:"cooldown_time"`
	LastDeviceAddress   *string           `json:"last_device_address"`
	AutoReconnect       bool              `json:"auto_reconnect"`
}

func defaultConfig() Config {
	return Config{
		GestureShortcuts: map[string]string{
			"left":  "right", // left gesture -> right arrow (next slide)
			"right": "left",  // right gesture -> left arrow (prev slide)
			"up":    "none",
			"down":  "none",
		},
		ConfidenceThreshold: 0.70,
		CooldownTime:        2.0,
		LastDeviceAddress:   nil,
		AutoReconnect:       true,
	}
}

func configPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "gesturectl", "config.json")
}

// rawConfig mirrors Config with optional fields so a partial or sloppy file
// can be merged over the defaults field by field.
type rawConfig struct {
	GestureShortcuts    map[string]any    `json:"gesture_shortcuts"`
	GestureMapping      map[string]string `json:"gesture_mapping"` // legacy schema
	ConfidenceThreshold *float64          `json:"confidence_threshold"`
	CooldownTime        *float64          `json:"cooldown_time"`
	LastDeviceAddress   *string           `json:"last_device_address"`
	AutoReconnect       *bool             `json:"auto_reconnect"`
}

// Actions of the legacy gesture_mapping schema, translated to the shortcut
// vocabulary.
var legacyActions = map[string]string{
	"next":     "right",
	"previous": "left",
	"up":       "up",
	"down":     "down",
	"none":     "none",
}

// configStore holds the live configuration. The dispatcher reads it on every
// gesture, so all access goes through the lock.
type configStore struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

func newConfigStore(path string) *configStore {
	return &configStore{path: path, cfg: defaultConfig()}
}

// load reads the config file, falling back to defaults on any problem. A
// missing or corrupt file is not an error: the defaults stand in.
func (s *configStore) load() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = defaultConfig()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.cfg
	}
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return s.cfg
	}

	for g := range validGestures {
		if v, ok := raw.GestureShortcuts[g]; ok {
			if sc, ok := v.(string); ok {
				s.cfg.GestureShortcuts[g] = sc
			}
		}
	}
	// Legacy schema: gesture_mapping with fixed action names.
	for g := range validGestures {
		if action, ok := raw.GestureMapping[g]; ok {
			if sc, ok := legacyActions[action]; ok {
				s.cfg.GestureShortcuts[g] = sc
			}
		}
	}
	if t := raw.ConfidenceThreshold; t != nil && *t >= 0.0 && *t <= 1.0 {
		s.cfg.ConfidenceThreshold = *t
	}
	if c := raw.CooldownTime; c != nil && *c >= minCooldown && *c <= maxCooldown {
		s.cfg.CooldownTime = *c
	}
	if raw.LastDeviceAddress != nil {
		addr := *raw.LastDeviceAddress
		s.cfg.LastDeviceAddress = &addr
	}
	if raw.AutoReconnect != nil {
		s.cfg.AutoReconnect = *raw.AutoReconnect
	}
	return s.snapshotLocked()
}

func (s *configStore) save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

func (s *configStore) snapshotLocked() Config {
	out := s.cfg
	out.GestureShortcuts = make(map[string]string, len(s.cfg.GestureShortcuts))
	for g, sc := range s.cfg.GestureShortcuts {
		out.GestureShortcuts[g] = sc
	}
	if s.cfg.LastDeviceAddress != nil {
		addr := *s.cfg.LastDeviceAddress
		out.LastDeviceAddress = &addr
	}
	return out
}

func (s *configStore) snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *configStore) confidenceThreshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ConfidenceThreshold
}

func (s *configStore) cooldownTime() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.CooldownTime
}

// shortcutFor returns the configured shortcut for a gesture, or "none" for
// anything outside the vocabulary.
func (s *configStore) shortcutFor(gesture string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.cfg.GestureShortcuts[gesture]
	if !ok {
		return "none"
	}
	return sc
}

func (s *configStore) autoReconnect() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoReconnect
}

func (s *configStore) lastDeviceAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.LastDeviceAddress == nil {
		return ""
	}
	return *s.cfg.LastDeviceAddress
}

// setShortcut updates one gesture binding. Rejects unknown gestures without
// touching state.
func (s *configStore) setShortcut(gesture, shortcut string) bool {
	if !validGestures[strings.ToLower(gesture)] {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.GestureShortcuts[strings.ToLower(gesture)] = shortcut
	return true
}

// setShortcuts replaces bindings in bulk. Any foreign key rejects the whole
// mapping, leaving the prior bindings untouched.
func (s *configStore) setShortcuts(shortcuts map[string]string) bool {
	for g := range shortcuts {
		if !validGestures[g] {
			return false
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for g, sc := range shortcuts {
		s.cfg.GestureShortcuts[g] = sc
	}
	return true
}

func (s *configStore) setConfidenceThreshold(t float64) bool {
	if math.IsNaN(t) || t < 0.0 || t > 1.0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ConfidenceThreshold = t
	return true
}

func (s *configStore) setCooldownTime(c float64) bool {
	if math.IsNaN(c) || c < minCooldown || c > maxCooldown {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.CooldownTime = c
	return true
}

func (s *configStore) setAutoReconnect(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.AutoReconnect = enabled
}

func (s *configStore) setLastDeviceAddress(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr == "" {
		s.cfg.LastDeviceAddress = nil
		return
	}
	s.cfg.LastDeviceAddress = &addr
}
