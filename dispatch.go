package main

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Cooldown bounds in seconds. Values outside the range are rejected at the
// config boundary.
const (
	minCooldown = 0.5
	maxCooldown = 10.0
)

// dispatcher turns gesture events into keystrokes. Two gates apply on every
// event: the confidence threshold and the cooldown window. Both read the
// live configuration, so a settings change takes effect on the very next
// gesture.
type dispatcher struct {
	cfg *configStore
	inj keyInjector

	mu         sync.Mutex
	lastAction time.Time

	now      func() time.Time               // stubbed in tests
	onAction func(gesture, shortcut string) // action event sink
}

func newDispatcher(cfg *configStore, inj keyInjector, onAction func(gesture, shortcut string)) *dispatcher {
	return &dispatcher{
		cfg:      cfg,
		inj:      inj,
		now:      time.Now,
		onAction: onAction,
	}
}

// handle processes one gesture event. Returns the shortcut that fired, or
// "" if the event was dropped by a gate or the injection failed.
func (d *dispatcher) handle(ev GestureEvent) string {
	if ev.Confidence < d.cfg.confidenceThreshold() {
		return ""
	}

	shortcut := d.cfg.shortcutFor(strings.ToLower(ev.Label))
	if shortcut == "" || strings.EqualFold(shortcut, "none") {
		return ""
	}
	spec := parseShortcut(shortcut)
	if !spec.HasMain {
		return ""
	}

	cooldown := time.Duration(d.cfg.cooldownTime() * float64(time.Second))
	now := d.now()

	d.mu.Lock()
	if now.Sub(d.lastAction) < cooldown {
		d.mu.Unlock()
		return ""
	}
	d.mu.Unlock()

	if err := executeShortcut(d.inj, spec); err != nil {
		// A failed injection does not consume the cooldown window.
		log.Printf("shortcut %q failed: %v", shortcut, err)
		return ""
	}

	d.mu.Lock()
	d.lastAction = now
	d.mu.Unlock()

	if d.onAction != nil {
		d.onAction(ev.Label, shortcut)
	}
	return shortcut
}

// resetCooldown clears the debounce state so the next passing event fires
// immediately.
func (d *dispatcher) resetCooldown() {
	d.mu.Lock()
	d.lastAction = time.Time{}
	d.mu.Unlock()
}
